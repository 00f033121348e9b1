// Package webhook implements generic HTTP webhook channels: inbound JSON messages
// signed with a per-channel HMAC secret, and outbound replies POSTed to a callback URL.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/memohai/chatgate/internal/channel"
	"github.com/memohai/chatgate/internal/config"
)

// Type is the registered channel type for generic webhook channels.
const Type channel.ChannelType = "webhook"

const (
	signatureHeader = "X-Signature"
	signaturePrefix = "sha256="

	// targetSeparator joins the channel name and conversation id in a reply target.
	targetSeparator = "/"
)

// Channel is one configured webhook channel.
type Channel struct {
	Name        string
	Secret      string
	CallbackURL string
}

// Adapter serves every configured webhook channel under one channel type.
type Adapter struct {
	logger   *slog.Logger
	channels map[string]Channel
	tmpDir   string
	client   *http.Client
	now      func() time.Time
}

// NewAdapter creates an Adapter for the given channels.
func NewAdapter(log *slog.Logger, channels []Channel, tmpDir string) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	if strings.TrimSpace(tmpDir) == "" {
		tmpDir = config.DefaultTmpDir
	}
	byName := make(map[string]Channel, len(channels))
	for _, ch := range channels {
		name := strings.ToLower(strings.TrimSpace(ch.Name))
		if name == "" {
			continue
		}
		ch.Name = name
		byName[name] = ch
	}
	return &Adapter{
		logger:   log.With(slog.String("adapter", "webhook")),
		channels: byName,
		tmpDir:   tmpDir,
		client:   &http.Client{Timeout: 30 * time.Second},
		now:      time.Now,
	}
}

// NewFromConfig builds the adapter from the webhook_channels config section.
func NewFromConfig(log *slog.Logger, cfg config.Config) *Adapter {
	channels := make([]Channel, 0, len(cfg.Webhooks))
	for _, w := range cfg.Webhooks {
		channels = append(channels, Channel{Name: w.Name, Secret: w.Secret, CallbackURL: w.CallbackURL})
	}
	return NewAdapter(log, channels, cfg.Media.TmpDir)
}

// WithHTTPClient overrides the client used for callbacks and media fetches.
func (a *Adapter) WithHTTPClient(client *http.Client) *Adapter {
	if client != nil {
		a.client = client
	}
	return a
}

func (a *Adapter) Type() channel.ChannelType { return Type }

// Lookup returns the configured channel by name.
func (a *Adapter) Lookup(name string) (Channel, bool) {
	ch, ok := a.channels[strings.ToLower(strings.TrimSpace(name))]
	return ch, ok
}

// Payload is the inbound JSON body.
type Payload struct {
	ID             string `json:"id"`
	Type           string `json:"type"`
	Text           string `json:"text"`
	URL            string `json:"url"`
	SenderID       string `json:"sender_id"`
	SenderName     string `json:"sender_name"`
	ConversationID string `json:"conversation_id"`
	IsGroup        bool   `json:"is_group"`
	Mentioned      bool   `json:"mentioned"`
}

// Normalize converts a payload received on channel ch into a channel.Message.
func (a *Adapter) Normalize(ch Channel, p Payload) (channel.Message, error) {
	id := strings.TrimSpace(p.ID)
	if id == "" {
		return channel.Message{}, fmt.Errorf("webhook message id is required")
	}
	sender := strings.TrimSpace(p.SenderID)
	conversation := strings.TrimSpace(p.ConversationID)
	if conversation == "" {
		conversation = sender
	}
	if conversation == "" {
		return channel.Message{}, fmt.Errorf("webhook message needs conversation_id or sender_id")
	}
	msg := channel.Message{
		ID:             ch.Name + targetSeparator + id,
		Channel:        Type,
		SenderID:       sender,
		SenderName:     strings.TrimSpace(p.SenderName),
		ConversationID: conversation,
		IsGroup:        p.IsGroup,
		Mentioned:      p.Mentioned,
		ReplyTarget:    ch.Name + targetSeparator + conversation,
		ReceivedAt:     a.now().UTC(),
		Metadata:       map[string]any{"webhook_channel": ch.Name},
	}
	if msg.SenderID == "" {
		msg.SenderID = conversation
	}

	kind := strings.ToLower(strings.TrimSpace(p.Type))
	switch kind {
	case "", "text":
		msg.Kind = channel.KindText
		msg.Text = strings.TrimSpace(p.Text)
		return msg, nil
	case "image":
		msg.Kind = channel.KindImage
	case "file":
		msg.Kind = channel.KindFile
	case "voice", "audio":
		msg.Kind = channel.KindVoice
	default:
		return channel.Message{}, channel.UnsupportedKind(kind)
	}

	url := strings.TrimSpace(p.URL)
	if url == "" {
		return channel.Message{}, fmt.Errorf("webhook %s message without url", kind)
	}
	ext := path.Ext(strings.SplitN(url, "?", 2)[0])
	if ext == "" {
		switch msg.Kind {
		case channel.KindImage:
			ext = ".jpg"
		case channel.KindVoice:
			ext = ".opus"
		}
	}
	local := filepath.Join(a.tmpDir, ch.Name+"-"+sanitizeFileName(id)+ext)
	msg.Resource = channel.NewResource(url, local, func(ctx context.Context) (io.ReadCloser, error) {
		return a.fetch(ctx, url)
	})
	return msg, nil
}

func (a *Adapter) fetch(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download webhook resource: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("download webhook resource: status %d", resp.StatusCode)
	}
	return resp.Body, nil
}

// outboundPayload is the JSON body POSTed to a channel's callback URL.
type outboundPayload struct {
	ConversationID   string `json:"conversation_id"`
	ReplyToMessageID string `json:"reply_to_message_id,omitempty"`
	Kind             string `json:"kind"`
	Text             string `json:"text,omitempty"`
	URL              string `json:"url,omitempty"`
	Data             []byte `json:"data,omitempty"`
}

// Send POSTs the reply to the callback URL of the channel named in the target.
// Binary payloads are inlined as base64 "data".
func (a *Adapter) Send(ctx context.Context, target channel.Target, reply channel.Reply) error {
	if err := reply.Validate(); err != nil {
		return channel.Permanent(err)
	}
	name, conversation, ok := strings.Cut(strings.TrimSpace(target.ID), targetSeparator)
	if !ok || conversation == "" {
		return channel.Permanent(fmt.Errorf("webhook target must be <channel>/<conversation>: %q", target.ID))
	}
	ch, ok := a.Lookup(name)
	if !ok {
		return channel.Permanent(fmt.Errorf("webhook channel not configured: %s", name))
	}
	if ch.CallbackURL == "" {
		a.logger.Debug("no callback url; reply dropped", slog.String("channel", ch.Name))
		return nil
	}

	out := outboundPayload{
		ConversationID:   conversation,
		ReplyToMessageID: target.ReplyToMessageID,
		Kind:             string(reply.Kind),
		Text:             reply.Text,
		URL:              reply.URL,
		Data:             reply.Data,
	}
	if reply.Path != "" {
		data, err := os.ReadFile(reply.Path)
		if err != nil {
			return channel.Permanent(fmt.Errorf("read reply file: %w", err))
		}
		out.Data = data
	}
	body, err := json.Marshal(out)
	if err != nil {
		return channel.Permanent(fmt.Errorf("marshal webhook reply: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ch.CallbackURL, bytes.NewReader(body))
	if err != nil {
		return channel.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(signatureHeader, Sign(body, ch.Secret))
	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook callback: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("webhook callback: status %d", resp.StatusCode)
	default:
		return channel.Permanent(fmt.Errorf("webhook callback: status %d", resp.StatusCode))
	}
}

// Sign returns the X-Signature header value for body.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks an X-Signature header value in constant time.
func Verify(body []byte, secret, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	return hmac.Equal([]byte(Sign(body, secret)), []byte(strings.TrimSpace(signature)))
}

var errBadSignature = errors.New("invalid signature")

func sanitizeFileName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, s)
}

var _ channel.Sender = (*Adapter)(nil)
