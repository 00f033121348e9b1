package provider

import (
	"context"
	"io"

	"github.com/memohai/chatgate/internal/channel"
)

// Params are generation options; zero values mean provider defaults.
type Params struct {
	Model       string
	Size        string
	Temperature float64
}

// Result of a generation. Exactly one of Text, URL or Data is set.
type Result struct {
	Text string
	URL  string
	Data []byte
	Mime string
}

// Generator is the capability shared by prompt-driven providers.
type Generator interface {
	Generate(ctx context.Context, prompt string, params Params) (Result, error)
}

// MediaUploader uploads binary payloads to a chat platform and returns its key.
type MediaUploader interface {
	UploadMedia(ctx context.Context, data io.Reader, kind channel.ReplyKind) (string, error)
}

// MessageSender sends a raw platform message to a conversation.
type MessageSender interface {
	SendMessage(ctx context.Context, conversationID string, msgType string, payload string) error
}
