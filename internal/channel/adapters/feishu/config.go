package feishu

import (
	"fmt"
	"strings"

	lark "github.com/larksuite/oapi-sdk-go/v3"

	"github.com/memohai/chatgate/internal/config"
)

const (
	regionFeishu = "feishu"
	regionLark   = "lark"

	inboundModeWebsocket = "websocket"
	inboundModeWebhook   = "webhook"
)

// Config holds the Feishu app credentials and behavior switches the adapter needs.
type Config struct {
	AppID             string
	AppSecret         string
	EncryptKey        string
	VerificationToken string
	Region            string
	InboundMode       string
	BotOpenID         string
	BotName           string
	TmpDir            string
}

func parseConfig(raw config.FeishuConfig, tmpDir string) (Config, error) {
	appID := strings.TrimSpace(raw.AppID)
	appSecret := strings.TrimSpace(raw.AppSecret)
	region, err := normalizeRegion(raw.Region)
	if err != nil {
		return Config{}, err
	}
	inboundMode, err := normalizeInboundMode(raw.InboundMode)
	if err != nil {
		return Config{}, err
	}
	if appID == "" || appSecret == "" {
		return Config{}, fmt.Errorf("feishu app_id and app_secret are required")
	}
	if strings.TrimSpace(tmpDir) == "" {
		tmpDir = config.DefaultTmpDir
	}
	return Config{
		AppID:             appID,
		AppSecret:         appSecret,
		EncryptKey:        strings.TrimSpace(raw.EncryptKey),
		VerificationToken: strings.TrimSpace(raw.VerificationToken),
		Region:            region,
		InboundMode:       inboundMode,
		BotOpenID:         strings.TrimSpace(raw.BotOpenID),
		BotName:           strings.TrimSpace(raw.BotName),
		TmpDir:            tmpDir,
	}, nil
}

func normalizeTarget(raw string) string {
	value := strings.TrimSpace(raw)
	if value == "" {
		return ""
	}
	if strings.HasPrefix(value, "open_id:") || strings.HasPrefix(value, "user_id:") || strings.HasPrefix(value, "chat_id:") {
		return value
	}
	if strings.HasPrefix(value, "oc_") {
		return "chat_id:" + value
	}
	return "open_id:" + value
}

func normalizeRegion(raw string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", regionFeishu, "cn", "china":
		return regionFeishu, nil
	case regionLark, "global", "intl", "international":
		return regionLark, nil
	default:
		return "", fmt.Errorf("feishu region must be feishu or lark")
	}
}

func normalizeInboundMode(raw string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", inboundModeWebhook:
		return inboundModeWebhook, nil
	case inboundModeWebsocket:
		return inboundModeWebsocket, nil
	default:
		return "", fmt.Errorf("feishu inbound_mode must be websocket or webhook")
	}
}

func (c Config) openBaseURL() string {
	if c.Region == regionLark {
		return lark.LarkBaseUrl
	}
	return lark.FeishuBaseUrl
}
