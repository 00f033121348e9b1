package feishu

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"

	"github.com/memohai/chatgate/internal/channel"
	"github.com/memohai/chatgate/internal/media"
)

const videoURLTextPrefix = "🎬 视频已生成，点击查看："

// Send delivers a reply to Feishu. Binary replies are staged to a temp file,
// uploaded, and sent by key; temp files are removed whether or not delivery succeeds.
func (a *FeishuAdapter) Send(ctx context.Context, target channel.Target, reply channel.Reply) error {
	if err := reply.Validate(); err != nil {
		return channel.Permanent(err)
	}
	if _, _, err := resolveFeishuReceiveID(target.ID); err != nil {
		return channel.Permanent(err)
	}

	var msgType string
	var content map[string]string
	switch reply.Kind {
	case channel.ReplyText, channel.ReplyInfo, channel.ReplyError:
		msgType, content = larkim.MsgTypeText, map[string]string{"text": reply.Text}
	case channel.ReplyVideoURL:
		msgType, content = larkim.MsgTypeText, map[string]string{"text": videoURLTextPrefix + reply.URL}
	case channel.ReplyImage, channel.ReplyImageURL:
		staged, err := a.stage(ctx, reply, ".jpg")
		if err != nil {
			return err
		}
		defer staged.Cleanup()
		key, err := a.uploadStaged(ctx, staged, channel.ReplyImage)
		if err != nil {
			return err
		}
		msgType, content = larkim.MsgTypeImage, map[string]string{"image_key": key}
	case channel.ReplyVideo:
		staged, err := a.stage(ctx, reply, ".mp4")
		if err != nil {
			return err
		}
		defer staged.Cleanup()
		key, err := a.uploadStaged(ctx, staged, channel.ReplyVideo)
		if err != nil {
			return err
		}
		msgType, content = larkim.MsgTypeMedia, map[string]string{"file_key": key}
	case channel.ReplyVoice:
		// Only opus plays as an audio message; anything else goes out as a file.
		staged, err := a.stage(ctx, reply, media.SniffExt(reply.Data, ".opus"))
		if err != nil {
			return err
		}
		defer staged.Cleanup()
		key, err := a.uploadStaged(ctx, staged, channel.ReplyVoice)
		if err != nil {
			return err
		}
		msgType = larkim.MsgTypeAudio
		if staged.Ext() != ".opus" {
			msgType = larkim.MsgTypeFile
		}
		content = map[string]string{"file_key": key}
	default:
		return channel.Permanent(fmt.Errorf("feishu: unsupported reply kind %s", reply.Kind))
	}

	payload, err := json.Marshal(content)
	if err != nil {
		return fmt.Errorf("failed to marshal content: %w", err)
	}
	if parentID := strings.TrimSpace(target.ReplyToMessageID); parentID != "" {
		return a.replyMessage(ctx, parentID, msgType, string(payload))
	}
	return a.SendMessage(ctx, target.ID, msgType, string(payload))
}

// SendMessage creates a message of msgType with JSON content for a prefixed target
// such as "chat_id:oc_x" or "open_id:ou_x".
func (a *FeishuAdapter) SendMessage(ctx context.Context, target string, msgType string, content string) error {
	receiveID, receiveType, err := resolveFeishuReceiveID(target)
	if err != nil {
		return channel.Permanent(err)
	}
	return a.logSendResult("send", a.im.CreateMessage(ctx, receiveType, receiveID, msgType, content))
}

func (a *FeishuAdapter) replyMessage(ctx context.Context, messageID, msgType, content string) error {
	return a.logSendResult("reply", a.im.ReplyMessage(ctx, messageID, msgType, content))
}

func (a *FeishuAdapter) stage(ctx context.Context, reply channel.Reply, ext string) (*media.Staged, error) {
	var (
		staged *media.Staged
		err    error
	)
	switch {
	case len(reply.Data) > 0:
		staged, err = a.stager.StageBytes(reply.Data, ext)
	case reply.URL != "":
		staged, err = a.stager.Stage(ctx, reply.URL, ext)
	default:
		staged, err = a.stager.Stage(ctx, reply.Path, ext)
	}
	if err != nil {
		err = fmt.Errorf("stage %s: %w", reply.Kind, err)
		if errors.Is(err, media.ErrAssetNotFound) || errors.Is(err, media.ErrAssetTooLarge) || errors.Is(err, media.ErrEmptyAsset) {
			return nil, channel.Permanent(err)
		}
		return nil, err
	}
	return staged, nil
}

func (a *FeishuAdapter) uploadStaged(ctx context.Context, staged *media.Staged, kind channel.ReplyKind) (string, error) {
	f, err := staged.Open()
	if err != nil {
		return "", fmt.Errorf("open staged media: %w", err)
	}
	defer func() { _ = f.Close() }()
	name := "media" + staged.Ext()
	return a.upload(ctx, f, kind, name, staged.Ext())
}

// UploadMedia uploads data as an image (ReplyImage) or a file (voice, video) and
// returns the Feishu image_key or file_key.
func (a *FeishuAdapter) UploadMedia(ctx context.Context, data io.Reader, kind channel.ReplyKind) (string, error) {
	ext := ""
	switch kind {
	case channel.ReplyVideo:
		ext = ".mp4"
	case channel.ReplyVoice:
		ext = ".opus"
	}
	return a.upload(ctx, data, kind, "media"+ext, ext)
}

func (a *FeishuAdapter) upload(ctx context.Context, data io.Reader, kind channel.ReplyKind, name, ext string) (string, error) {
	if kind == channel.ReplyImage || kind == channel.ReplyImageURL {
		return a.im.UploadImage(ctx, data)
	}
	fileType := resolveFeishuFileType(kind, ext)
	key, err := a.im.UploadFile(ctx, fileType, name, data)
	if err != nil {
		return "", err
	}
	a.logger.Debug("file uploaded", slog.String("file_type", fileType))
	return key, nil
}

// resolveFeishuFileType maps a reply kind and file extension to a Feishu file type.
func resolveFeishuFileType(kind channel.ReplyKind, ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	switch {
	case kind == channel.ReplyVideo || ext == ".mp4":
		return larkim.FileTypeMp4
	case kind == channel.ReplyVoice && ext == ".opus":
		return larkim.FileTypeOpus
	case ext == ".pdf":
		return larkim.FileTypePdf
	case ext == ".doc" || ext == ".docx":
		return larkim.FileTypeDoc
	case ext == ".xls" || ext == ".xlsx":
		return larkim.FileTypeXls
	case ext == ".ppt" || ext == ".pptx":
		return larkim.FileTypePpt
	default:
		return larkim.FileTypeStream
	}
}
