package feishu

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"

	"github.com/memohai/chatgate/internal/channel"
)

const (
	msgTypeShareChat = "share_chat"
	msgTypeShareUser = "share_user"

	chatTypeP2P = "p2p"

	resourceTypeImage = "image"
	resourceTypeFile  = "file"
)

// resourceFetcher downloads a message resource (image_key/file_key) from Feishu.
type resourceFetcher func(ctx context.Context, messageID, key, resourceType string) (io.ReadCloser, error)

type normalizeOptions struct {
	BotOpenID string
	BotName   string
	TmpDir    string
	Fetch     resourceFetcher
	Now       func() time.Time
}

// normalizeEvent converts a message-receive event into a channel.Message. Binary
// kinds get a lazily fetched Resource; nothing touches the network here.
func normalizeEvent(event *larkim.P2MessageReceiveV1, opts normalizeOptions) (channel.Message, error) {
	if event == nil || event.Event == nil || event.Event.Message == nil {
		return channel.Message{}, fmt.Errorf("feishu event has no message")
	}
	message := event.Event.Message
	messageID := strings.TrimSpace(deref(message.MessageId))
	if messageID == "" {
		return channel.Message{}, fmt.Errorf("feishu message_id is required")
	}

	var contentMap map[string]any
	if raw := deref(message.Content); raw != "" {
		if err := json.Unmarshal([]byte(raw), &contentMap); err != nil {
			return channel.Message{}, fmt.Errorf("decode feishu content: %w", err)
		}
	}

	senderOpenID, senderUserID := "", ""
	if event.Event.Sender != nil && event.Event.Sender.SenderId != nil {
		senderOpenID = strings.TrimSpace(deref(event.Event.Sender.SenderId.OpenId))
		senderUserID = strings.TrimSpace(deref(event.Event.Sender.SenderId.UserId))
	}
	senderID := senderOpenID
	if senderID == "" {
		senderID = senderUserID
	}
	chatID := strings.TrimSpace(deref(message.ChatId))
	chatType := strings.TrimSpace(deref(message.ChatType))
	isGroup := chatType != "" && chatType != chatTypeP2P && chatID != ""

	msg := channel.Message{
		ID:             messageID,
		Channel:        Type,
		SenderID:       senderID,
		ConversationID: senderID,
		IsGroup:        isGroup,
		Mentioned:      isFeishuBotMentioned(contentMap, message.Mentions, opts.BotOpenID, opts.BotName),
		ReplyTarget:    "open_id:" + senderOpenID,
		ReceivedAt:     parseCreateTime(deref(message.CreateTime), opts.Now),
		Metadata: map[string]any{
			"chat_type":    chatType,
			"message_type": deref(message.MessageType),
		},
	}
	if senderOpenID == "" {
		msg.ReplyTarget = "user_id:" + senderUserID
	}
	if isGroup {
		msg.ConversationID = chatID
		msg.ReplyTarget = "chat_id:" + chatID
	}
	if parent := strings.TrimSpace(deref(message.ParentId)); parent != "" {
		msg.Metadata["parent_id"] = parent
	}

	msgType := deref(message.MessageType)
	switch msgType {
	case larkim.MsgTypeText:
		msg.Kind = channel.KindText
		msg.Text = strings.TrimSpace(stringValue(contentMap["text"]))
	case larkim.MsgTypePost:
		msg.Kind = channel.KindText
		msg.Text = extractFeishuPostText(contentMap)
	case larkim.MsgTypeImage:
		key := strings.TrimSpace(stringValue(contentMap["image_key"]))
		if key == "" {
			return channel.Message{}, fmt.Errorf("feishu image message without image_key")
		}
		msg.Kind = channel.KindImage
		msg.Resource = newMessageResource(opts, messageID, key, resourceTypeImage, ".jpg")
	case larkim.MsgTypeFile, larkim.MsgTypeMedia:
		key := strings.TrimSpace(stringValue(contentMap["file_key"]))
		if key == "" {
			return channel.Message{}, fmt.Errorf("feishu %s message without file_key", msgType)
		}
		ext := filepath.Ext(strings.TrimSpace(stringValue(contentMap["file_name"])))
		if ext == "" && msgType == larkim.MsgTypeMedia {
			ext = ".mp4"
		}
		msg.Kind = channel.KindFile
		msg.Resource = newMessageResource(opts, messageID, key, resourceTypeFile, ext)
	case larkim.MsgTypeAudio:
		key := strings.TrimSpace(stringValue(contentMap["file_key"]))
		if key == "" {
			return channel.Message{}, fmt.Errorf("feishu audio message without file_key")
		}
		msg.Kind = channel.KindVoice
		msg.Resource = newMessageResource(opts, messageID, key, resourceTypeFile, ".opus")
	case msgTypeShareChat:
		msg.Kind = channel.KindSharing
		msg.Text = strings.TrimSpace(stringValue(contentMap["chat_id"]))
	case msgTypeShareUser:
		msg.Kind = channel.KindSharing
		msg.Text = strings.TrimSpace(stringValue(contentMap["user_id"]))
	default:
		return channel.Message{}, channel.UnsupportedKind(msgType)
	}

	if msg.Kind == channel.KindText && isGroup {
		msg.Text = stripMentionTokens(msg.Text, message.Mentions)
	}
	return msg, nil
}

func newMessageResource(opts normalizeOptions, messageID, key, resourceType, ext string) *channel.Resource {
	path := filepath.Join(opts.TmpDir, key+ext)
	fetch := opts.Fetch
	return channel.NewResource(key, path, func(ctx context.Context) (io.ReadCloser, error) {
		if fetch == nil {
			return nil, fmt.Errorf("feishu resource fetcher not configured")
		}
		return fetch(ctx, messageID, key, resourceType)
	})
}

// stripMentionTokens removes the "@_user_N" placeholders Feishu substitutes for
// mentions in group text.
func stripMentionTokens(text string, mentions []*larkim.MentionEvent) string {
	for _, m := range mentions {
		if m == nil {
			continue
		}
		if key := strings.TrimSpace(deref(m.Key)); key != "" {
			text = strings.ReplaceAll(text, key, "")
		}
	}
	return strings.TrimSpace(text)
}

func parseCreateTime(raw string, now func() time.Time) time.Time {
	if ms, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64); err == nil && ms > 0 {
		return time.UnixMilli(ms).UTC()
	}
	if now != nil {
		return now().UTC()
	}
	return time.Now().UTC()
}

// isFeishuBotMentioned checks whether the bot itself is mentioned in the message.
// When botOpenID is known only mentions of that open_id count; otherwise a mention
// carrying botName counts, and with neither configured any mention does.
func isFeishuBotMentioned(contentMap map[string]any, mentions []*larkim.MentionEvent, botOpenID, botName string) bool {
	botOpenID = strings.TrimSpace(botOpenID)
	if botOpenID == "" {
		botName = strings.TrimSpace(botName)
		if botName != "" {
			for _, m := range mentions {
				if m != nil && strings.TrimSpace(deref(m.Name)) == botName {
					return true
				}
			}
			return false
		}
		return hasAnyFeishuMention(contentMap, mentions)
	}
	for _, m := range mentions {
		if m == nil || m.Id == nil || m.Id.OpenId == nil {
			continue
		}
		if strings.TrimSpace(*m.Id.OpenId) == botOpenID {
			return true
		}
	}
	return matchFeishuContentMention(contentMap, botOpenID)
}

// hasAnyFeishuMention is the fallback when the bot's identity is unknown.
func hasAnyFeishuMention(contentMap map[string]any, mentions []*larkim.MentionEvent) bool {
	if len(mentions) > 0 {
		return true
	}
	if len(contentMap) == 0 {
		return false
	}
	if text, ok := contentMap["text"].(string); ok {
		normalized := strings.ToLower(strings.TrimSpace(text))
		if strings.Contains(normalized, "@_user_") || strings.Contains(normalized, "<at ") {
			return true
		}
	}
	return hasFeishuAtTag(contentMap)
}

// matchFeishuContentMention checks rich-text at tags for the bot's open_id.
func matchFeishuContentMention(raw any, botOpenID string) bool {
	switch value := raw.(type) {
	case map[string]any:
		if tag, ok := value["tag"].(string); ok && strings.EqualFold(strings.TrimSpace(tag), "at") {
			if uid, ok := value["user_id"].(string); ok && strings.TrimSpace(uid) == botOpenID {
				return true
			}
			if uid, ok := value["open_id"].(string); ok && strings.TrimSpace(uid) == botOpenID {
				return true
			}
		}
		for _, child := range value {
			if matchFeishuContentMention(child, botOpenID) {
				return true
			}
		}
	case []any:
		for _, child := range value {
			if matchFeishuContentMention(child, botOpenID) {
				return true
			}
		}
	}
	return false
}

func hasFeishuAtTag(raw any) bool {
	switch value := raw.(type) {
	case map[string]any:
		if tag, ok := value["tag"].(string); ok && strings.EqualFold(strings.TrimSpace(tag), "at") {
			return true
		}
		for _, child := range value {
			if hasFeishuAtTag(child) {
				return true
			}
		}
	case []any:
		for _, child := range value {
			if hasFeishuAtTag(child) {
				return true
			}
		}
	}
	return false
}

// extractFeishuPostText flattens a post message into plain text. Mentions are
// dropped so the result reads like a text message after mention stripping.
// Feishu event payload uses root-level content: {"title":"","content":[[...],[...]]}.
func extractFeishuPostText(contentMap map[string]any) string {
	lines, _ := contentMap["content"].([]any)
	parts := make([]string, 0, 8)
	if title := strings.TrimSpace(stringValue(contentMap["title"])); title != "" {
		parts = append(parts, title)
	}
	for _, rawLine := range lines {
		line, ok := rawLine.([]any)
		if !ok {
			continue
		}
		for _, rawPart := range line {
			part, ok := rawPart.(map[string]any)
			if !ok {
				continue
			}
			switch strings.ToLower(strings.TrimSpace(stringValue(part["tag"]))) {
			case "at", "img", "media", "emotion":
				continue
			default:
				if text := strings.TrimSpace(stringValue(part["text"])); text != "" {
					parts = append(parts, text)
				}
			}
		}
	}
	return strings.Join(parts, " ")
}

func stringValue(raw any) string {
	if raw == nil {
		return ""
	}
	value, ok := raw.(string)
	if ok {
		return value
	}
	return fmt.Sprint(raw)
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

// resolveFeishuReceiveID parses target (open_id:/user_id:/chat_id: prefix) and returns receiveID and receiveType.
func resolveFeishuReceiveID(raw string) (string, string, error) {
	raw = normalizeTarget(raw)
	if raw == "" {
		return "", "", fmt.Errorf("feishu target is required")
	}
	if strings.HasPrefix(raw, "open_id:") {
		return strings.TrimPrefix(raw, "open_id:"), larkim.ReceiveIdTypeOpenId, nil
	}
	if strings.HasPrefix(raw, "user_id:") {
		return strings.TrimPrefix(raw, "user_id:"), larkim.ReceiveIdTypeUserId, nil
	}
	return strings.TrimPrefix(raw, "chat_id:"), larkim.ReceiveIdTypeChatId, nil
}
