// Package channel defines the gateway's internal message model and the adapter
// abstraction shared by chat platforms such as Feishu and generic webhooks.
package channel

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ChannelType identifies a messaging platform (e.g., "feishu", "webhook:ops").
type ChannelType string

// String returns the channel type as a plain string.
func (c ChannelType) String() string {
	return string(c)
}

// ErrUnsupportedKind is returned by normalizers for message kinds no handler can use.
// Callers acknowledge and drop; it is never retry-worthy.
var ErrUnsupportedKind = errors.New("unsupported message kind")

// UnsupportedKind wraps ErrUnsupportedKind with the platform's type tag.
func UnsupportedKind(tag string) error {
	return fmt.Errorf("%w: %s", ErrUnsupportedKind, tag)
}

// MessageKind classifies an inbound message.
type MessageKind string

const (
	KindText    MessageKind = "text"
	KindImage   MessageKind = "image"
	KindFile    MessageKind = "file"
	KindVoice   MessageKind = "voice"
	KindSharing MessageKind = "sharing"
)

// Message is one normalized inbound unit of communication. It is immutable after
// the normalizer builds it, except for lazy resolution of Resource.
type Message struct {
	ID             string
	Channel        ChannelType
	Kind           MessageKind
	Text           string
	Resource       *Resource
	SenderID       string
	SenderName     string
	ConversationID string
	IsGroup        bool
	Mentioned      bool
	ReplyTarget    string
	ReceivedAt     time.Time
	Metadata       map[string]any
}

// Content returns the text for text-like kinds, or the local cache path for binary kinds.
func (m Message) Content() string {
	if m.Resource != nil {
		return m.Resource.LocalPath()
	}
	return m.Text
}

// ContextType is the routed semantic type, which may differ from Message.Kind.
type ContextType string

const (
	ContextText        ContextType = "text"
	ContextImageCreate ContextType = "image_create"
	ContextImage       ContextType = "image"
	ContextFile        ContextType = "file"
	ContextVoice       ContextType = "voice"
	ContextSharing     ContextType = "sharing"
)

// Context attribute keys.
const (
	AttrReceiveIDType    = "receive_id_type"
	AttrDesireReplyType  = "desire_reply_type"
	AttrIsGroup          = "is_group"
	AttrReplyToMessageID = "reply_to_message_id"
	AttrCommand          = "command"
)

// Context is the per-message routing state threaded through the dispatch chain.
// It is never shared across requests.
type Context struct {
	Type       ContextType
	SessionID  string
	Content    string
	Message    *Message
	Attributes map[string]any
}

func (c *Context) Set(key string, value any) {
	if c.Attributes == nil {
		c.Attributes = map[string]any{}
	}
	c.Attributes[key] = value
}

func (c *Context) Get(key string) (any, bool) {
	if c.Attributes == nil {
		return nil, false
	}
	v, ok := c.Attributes[key]
	return v, ok
}

// String returns the attribute as a trimmed string, or "" if absent or not a string.
func (c *Context) String(key string) string {
	v, ok := c.Get(key)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return strings.TrimSpace(s)
}

// Target returns where replies for this context are delivered.
func (c *Context) Target() Target {
	if c.Message == nil {
		return Target{}
	}
	return Target{
		Channel:          c.Message.Channel,
		ID:               c.Message.ReplyTarget,
		ReplyToMessageID: c.String(AttrReplyToMessageID),
	}
}

// Target addresses an outbound delivery.
type Target struct {
	Channel ChannelType
	// ID is the adapter-specific receiver, e.g. "chat_id:oc_xxx" or "open_id:ou_xxx".
	ID string
	// ReplyToMessageID, when set, threads the reply under the original message.
	ReplyToMessageID string
}

// ReplyKind tags the payload carried by a Reply.
type ReplyKind string

const (
	ReplyText     ReplyKind = "text"
	ReplyImage    ReplyKind = "image"
	ReplyImageURL ReplyKind = "image_url"
	ReplyVoice    ReplyKind = "voice"
	ReplyVideo    ReplyKind = "video"
	ReplyVideoURL ReplyKind = "video_url"
	ReplyError    ReplyKind = "error"
	ReplyInfo     ReplyKind = "info"
)

// Reply is the single output of a dispatch run. Exactly one payload field is set:
// Text for text/error/info, URL for the *URL kinds, and Path or Data for binary kinds.
// Binary Path may also hold a data URI or remote URL; the outbound adapter stages it.
type Reply struct {
	Kind ReplyKind
	Text string
	URL  string
	Path string
	Data []byte
}

func TextReply(text string) Reply  { return Reply{Kind: ReplyText, Text: text} }
func ErrorReply(text string) Reply { return Reply{Kind: ReplyError, Text: text} }
func InfoReply(text string) Reply  { return Reply{Kind: ReplyInfo, Text: text} }

func ImageURLReply(url string) Reply { return Reply{Kind: ReplyImageURL, URL: url} }
func VideoURLReply(url string) Reply { return Reply{Kind: ReplyVideoURL, URL: url} }

// FileReply builds an Image, Voice or Video reply backed by a local path, data URI or URL.
func FileReply(kind ReplyKind, path string) Reply { return Reply{Kind: kind, Path: path} }

// BytesReply builds an Image, Voice or Video reply backed by in-memory bytes.
func BytesReply(kind ReplyKind, data []byte) Reply { return Reply{Kind: kind, Data: data} }

// IsTerminal reports whether the reply ends processing without further handlers.
func (r Reply) IsTerminal() bool {
	return r.Kind == ReplyError || r.Kind == ReplyInfo
}

// IsBinary reports whether the reply carries media that needs staging and upload.
func (r Reply) IsBinary() bool {
	switch r.Kind {
	case ReplyImage, ReplyVoice, ReplyVideo:
		return true
	}
	return false
}

// Validate checks that exactly one payload matching Kind is set.
func (r Reply) Validate() error {
	set := 0
	if r.Text != "" {
		set++
	}
	if r.URL != "" {
		set++
	}
	if r.Path != "" {
		set++
	}
	if len(r.Data) > 0 {
		set++
	}
	if set != 1 {
		return fmt.Errorf("reply %s must carry exactly one payload, got %d", r.Kind, set)
	}
	switch r.Kind {
	case ReplyText, ReplyError, ReplyInfo:
		if r.Text == "" {
			return fmt.Errorf("reply %s requires text", r.Kind)
		}
	case ReplyImageURL, ReplyVideoURL:
		if r.URL == "" {
			return fmt.Errorf("reply %s requires url", r.Kind)
		}
	case ReplyImage, ReplyVoice, ReplyVideo:
		if r.Path == "" && len(r.Data) == 0 {
			return fmt.Errorf("reply %s requires path or data", r.Kind)
		}
	default:
		return fmt.Errorf("unknown reply kind %q", r.Kind)
	}
	return nil
}
