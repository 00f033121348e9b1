// Package plugins holds the dispatch handlers: admin commands, the multi-step
// Stability and voice flows, image generation and LLM chat.
package plugins

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/memohai/chatgate/internal/channel"
	"github.com/memohai/chatgate/internal/config"
	"github.com/memohai/chatgate/internal/dispatch"
	"github.com/memohai/chatgate/internal/orchestrator"
)

const (
	PriorityAdmin       = 100
	PriorityInpaint     = 10
	PriorityVideo       = 9
	PriorityTTS         = 2
	PriorityImageCreate = 1
	PriorityChat        = 0
)

// Plugin is a dispatch handler with a fixed priority.
type Plugin interface {
	dispatch.Handler
	Priority() int
}

// ConfigSource returns the active config snapshot.
type ConfigSource interface {
	Current() *config.Config
}

// Spawner runs long tasks off the dispatch path.
type Spawner interface {
	Spawn(ctx context.Context, cc channel.Context, fn orchestrator.TaskFunc) (orchestrator.Task, channel.Reply)
}

// RegisterAll adds every plugin to the chain at its own priority.
func RegisterAll(chain *dispatch.Chain, plugins ...Plugin) {
	for _, p := range plugins {
		if p != nil {
			chain.Register(p.Priority(), p)
		}
	}
}

func reply(ev *dispatch.Event, r channel.Reply) dispatch.Action {
	ev.Reply = &r
	return dispatch.ActionBreakPass
}

func scopedLogger(log *slog.Logger, name string) *slog.Logger {
	if log == nil {
		log = slog.Default()
	}
	return log.With(slog.String("handler", name))
}

// loadResource downloads the message's attachment and returns its bytes and file
// name. The local copy is removed afterwards.
func loadResource(ctx context.Context, msg *channel.Message) ([]byte, string, error) {
	if msg == nil || msg.Resource == nil {
		return nil, "", errNoAttachment
	}
	defer msg.Resource.Cleanup()
	data, err := msg.Resource.Bytes(ctx)
	if err != nil {
		return nil, "", err
	}
	return data, filepath.Base(msg.Resource.LocalPath()), nil
}
