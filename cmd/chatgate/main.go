package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/memohai/chatgate/internal/auth"
	"github.com/memohai/chatgate/internal/config"
)

// Set with -ldflags "-X main.version=...".
var version = "dev"

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "chatgate",
		Short:         "Chat bot gateway for Feishu and webhook channels",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.toml (default: $CONFIG_PATH or ./config.toml)")

	root.AddCommand(serveCmd())
	root.AddCommand(tokenCmd())
	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return config.DefaultConfigPath
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway HTTP server and channel workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			runServe()
			return nil
		},
	}
}

func tokenCmd() *cobra.Command {
	var (
		subject   string
		expiresIn string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an admin API token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if expiresIn == "" {
				expiresIn = cfg.Auth.JWTExpiresIn
			}
			ttl, err := time.ParseDuration(expiresIn)
			if err != nil {
				return fmt.Errorf("invalid expiry %q: %w", expiresIn, err)
			}
			token, expiresAt, err := auth.GenerateToken(subject, cfg.Auth.JWTSecret, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "admin", "token subject")
	cmd.Flags().StringVar(&expiresIn, "expires-in", "", "token lifetime, e.g. 24h (default: auth.jwt_expires_in)")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "chatgate %s\n", version)
		},
	}
}
