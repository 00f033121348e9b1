package feishu

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	"github.com/larksuite/oapi-sdk-go/v3/event/dispatcher"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
	larkws "github.com/larksuite/oapi-sdk-go/v3/ws"

	"github.com/memohai/chatgate/internal/channel"
	"github.com/memohai/chatgate/internal/config"
	"github.com/memohai/chatgate/internal/media"
)

// Type is the registered channel type for Feishu/Lark.
const Type channel.ChannelType = "feishu"

// feishuRateLimitCode is the open-platform code for "request trigger frequency limit".
const feishuRateLimitCode = 99991400

// imGateway is the subset of the IM v1 API the adapter calls. Non-success codes
// come back as errors built by responseError.
type imGateway interface {
	CreateMessage(ctx context.Context, receiveType, receiveID, msgType, content string) error
	ReplyMessage(ctx context.Context, messageID, msgType, content string) error
	UploadImage(ctx context.Context, image io.Reader) (string, error)
	UploadFile(ctx context.Context, fileType, fileName string, file io.Reader) (string, error)
	GetMessageResource(ctx context.Context, messageID, key, resourceType string) (io.ReadCloser, error)
}

type larkIMGateway struct {
	client *lark.Client
}

func (g *larkIMGateway) CreateMessage(ctx context.Context, receiveType, receiveID, msgType, content string) error {
	req := larkim.NewCreateMessageReqBuilder().
		ReceiveIdType(receiveType).
		Body(larkim.NewCreateMessageReqBodyBuilder().
			ReceiveId(receiveID).
			MsgType(msgType).
			Content(content).
			Uuid(newUUID()).
			Build()).
		Build()
	resp, err := g.client.Im.V1.Message.Create(ctx, req)
	if err != nil {
		return err
	}
	if !resp.Success() {
		return responseError("send", resp.Code, resp.Msg)
	}
	return nil
}

func (g *larkIMGateway) ReplyMessage(ctx context.Context, messageID, msgType, content string) error {
	req := larkim.NewReplyMessageReqBuilder().
		MessageId(messageID).
		Body(larkim.NewReplyMessageReqBodyBuilder().
			Content(content).
			MsgType(msgType).
			Uuid(newUUID()).
			Build()).
		Build()
	resp, err := g.client.Im.V1.Message.Reply(ctx, req)
	if err != nil {
		return err
	}
	if !resp.Success() {
		return responseError("reply", resp.Code, resp.Msg)
	}
	return nil
}

func (g *larkIMGateway) UploadImage(ctx context.Context, image io.Reader) (string, error) {
	req := larkim.NewCreateImageReqBuilder().
		Body(larkim.NewCreateImageReqBodyBuilder().
			ImageType(larkim.ImageTypeMessage).
			Image(image).
			Build()).
		Build()
	resp, err := g.client.Im.V1.Image.Create(ctx, req)
	if err != nil {
		return "", fmt.Errorf("failed to upload image: %w", err)
	}
	if !resp.Success() {
		return "", responseError("upload image", resp.Code, resp.Msg)
	}
	if resp.Data == nil || resp.Data.ImageKey == nil {
		return "", responseError("upload image", 0, "empty image key")
	}
	return *resp.Data.ImageKey, nil
}

func (g *larkIMGateway) UploadFile(ctx context.Context, fileType, fileName string, file io.Reader) (string, error) {
	req := larkim.NewCreateFileReqBuilder().
		Body(larkim.NewCreateFileReqBodyBuilder().
			FileType(fileType).
			FileName(fileName).
			File(file).
			Build()).
		Build()
	resp, err := g.client.Im.V1.File.Create(ctx, req)
	if err != nil {
		return "", fmt.Errorf("failed to upload file: %w", err)
	}
	if !resp.Success() {
		return "", responseError("upload file", resp.Code, resp.Msg)
	}
	if resp.Data == nil || resp.Data.FileKey == nil {
		return "", responseError("upload file", 0, "empty file key")
	}
	return *resp.Data.FileKey, nil
}

func (g *larkIMGateway) GetMessageResource(ctx context.Context, messageID, key, resourceType string) (io.ReadCloser, error) {
	req := larkim.NewGetMessageResourceReqBuilder().
		MessageId(messageID).
		FileKey(key).
		Type(resourceType).
		Build()
	resp, err := g.client.Im.V1.MessageResource.Get(ctx, req)
	if err != nil {
		return nil, err
	}
	if !resp.Success() {
		return nil, fmt.Errorf("%s (code: %d)", resp.Msg, resp.Code)
	}
	if resp.File == nil {
		return nil, fmt.Errorf("empty payload")
	}
	if rc, ok := resp.File.(io.ReadCloser); ok {
		return rc, nil
	}
	return io.NopCloser(resp.File), nil
}

// FeishuAdapter implements channel.Adapter, channel.Sender and channel.Receiver for Feishu.
type FeishuAdapter struct {
	logger *slog.Logger
	cfg    Config
	client *lark.Client
	im     imGateway
	stager *media.Stager

	mu        sync.RWMutex
	botOpenID string
}

// NewFeishuAdapter creates a FeishuAdapter for one Feishu app.
func NewFeishuAdapter(log *slog.Logger, cfg Config, stager *media.Stager) *FeishuAdapter {
	if log == nil {
		log = slog.Default()
	}
	if stager == nil {
		stager = media.NewStager(log, cfg.TmpDir, media.MaxAssetBytes)
	}
	client := lark.NewClient(cfg.AppID, cfg.AppSecret, lark.WithOpenBaseUrl(cfg.openBaseURL()))
	return &FeishuAdapter{
		logger:    log.With(slog.String("adapter", "feishu")),
		cfg:       cfg,
		client:    client,
		im:        &larkIMGateway{client: client},
		stager:    stager,
		botOpenID: cfg.BotOpenID,
	}
}

// NewFromConfig builds the adapter from the application config.
func NewFromConfig(log *slog.Logger, cfg config.Config, stager *media.Stager) (*FeishuAdapter, error) {
	feishuCfg, err := parseConfig(cfg.Feishu, cfg.Media.TmpDir)
	if err != nil {
		return nil, err
	}
	return NewFeishuAdapter(log, feishuCfg, stager), nil
}

// Type returns the Feishu channel type.
func (a *FeishuAdapter) Type() channel.ChannelType {
	return Type
}

// BotOpenID returns the configured or discovered bot open_id.
func (a *FeishuAdapter) BotOpenID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.botOpenID
}

// ResolveBotIdentity discovers the bot's open_id when it is not configured. Mention
// filtering falls back to bot_name (or any mention) until this succeeds.
func (a *FeishuAdapter) ResolveBotIdentity(ctx context.Context) {
	if a.BotOpenID() != "" {
		return
	}
	openID, err := a.DiscoverSelf(ctx)
	if err != nil {
		a.logger.Warn("discover self failed; mention filter falls back", slog.Any("error", err))
		return
	}
	a.mu.Lock()
	a.botOpenID = openID
	a.mu.Unlock()
	a.logger.Info("bot identity", slog.String("bot_open_id", openID))
}

// DiscoverSelf retrieves the bot's own open_id from the Feishu platform.
func (a *FeishuAdapter) DiscoverSelf(ctx context.Context) (string, error) {
	resp, err := a.client.Get(ctx, "/open-apis/bot/v3/info", nil, larkcore.AccessTokenTypeTenant)
	if err != nil {
		return "", fmt.Errorf("feishu discover self: %w", err)
	}
	var body struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
		Bot  struct {
			OpenID  string `json:"open_id"`
			AppName string `json:"app_name"`
		} `json:"bot"`
	}
	if err := json.Unmarshal(resp.RawBody, &body); err != nil {
		return "", fmt.Errorf("feishu discover self: parse response: %w", err)
	}
	if body.Code != 0 {
		return "", fmt.Errorf("feishu discover self: %s (code: %d)", body.Msg, body.Code)
	}
	openID := strings.TrimSpace(body.Bot.OpenID)
	if openID == "" {
		return "", fmt.Errorf("feishu discover self: empty open_id")
	}
	return openID, nil
}

// Normalize converts a message-receive event into a channel.Message.
func (a *FeishuAdapter) Normalize(event *larkim.P2MessageReceiveV1) (channel.Message, error) {
	return normalizeEvent(event, normalizeOptions{
		BotOpenID: a.BotOpenID(),
		BotName:   a.cfg.BotName,
		TmpDir:    a.cfg.TmpDir,
		Fetch:     a.FetchResource,
	})
}

// FetchResource downloads a user-sent image or file through the message-resource API.
func (a *FeishuAdapter) FetchResource(ctx context.Context, messageID, key, resourceType string) (io.ReadCloser, error) {
	rc, err := a.im.GetMessageResource(ctx, messageID, key, resourceType)
	if err != nil {
		return nil, fmt.Errorf("download feishu resource: %w", err)
	}
	return rc, nil
}

// Connect opens the long-lived websocket event stream when inbound_mode is websocket.
// In webhook mode it returns a nil connection; events arrive through WebhookHandler.
func (a *FeishuAdapter) Connect(ctx context.Context, handler channel.InboundHandler) (channel.Connection, error) {
	if a.cfg.InboundMode != inboundModeWebsocket {
		a.logger.Info("webhook mode enabled; websocket connect skipped")
		return nil, nil
	}
	a.ResolveBotIdentity(ctx)
	connCtx, cancel := context.WithCancel(ctx)
	newClient := func() *larkws.Client {
		eventDispatcher := dispatcher.NewEventDispatcher(a.cfg.VerificationToken, a.cfg.EncryptKey)
		eventDispatcher.OnP2MessageReceiveV1(func(_ context.Context, event *larkim.P2MessageReceiveV1) error {
			if connCtx.Err() != nil {
				return nil
			}
			msg, err := a.Normalize(event)
			if err != nil {
				a.logger.Debug("inbound dropped", slog.Any("error", err))
				return nil
			}
			if err := handler(connCtx, msg); err != nil {
				a.logger.Error("handle inbound failed", slog.String("message_id", msg.ID), slog.Any("error", err))
			}
			return nil
		})
		eventDispatcher.OnP2MessageReadV1(func(_ context.Context, _ *larkim.P2MessageReadV1) error {
			return nil
		})
		return larkws.NewClient(
			a.cfg.AppID,
			a.cfg.AppSecret,
			larkws.WithEventHandler(eventDispatcher),
			larkws.WithDomain(a.cfg.openBaseURL()),
			larkws.WithLogger(newLarkSlogLogger(a.logger)),
			larkws.WithLogLevel(larkcore.LogLevelInfo),
		)
	}

	go func() {
		const reconnectDelay = 3 * time.Second
		for {
			if connCtx.Err() != nil {
				return
			}
			client := newClient()
			err := client.Start(connCtx)
			if connCtx.Err() != nil {
				return
			}
			if err != nil {
				a.logger.Error("client start failed", slog.Any("error", err))
			} else {
				a.logger.Warn("client exited without error; reconnecting")
			}
			timer := time.NewTimer(reconnectDelay)
			select {
			case <-connCtx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
	}()

	return channel.NewConnection(Type, func(context.Context) error {
		cancel()
		return nil
	}), nil
}

func responseError(op string, code int, msg string) error {
	err := fmt.Errorf("feishu %s failed: %s (code: %d)", op, msg, code)
	if code == feishuRateLimitCode {
		return err
	}
	return channel.Permanent(err)
}

func (a *FeishuAdapter) logSendResult(op string, err error) error {
	if err != nil {
		a.logger.Error(op+" failed", slog.Any("error", err))
		return err
	}
	a.logger.Info(op + " success")
	return nil
}

// larkSlogLogger bridges the SDK's logger interface onto slog.
type larkSlogLogger struct {
	logger *slog.Logger
}

func newLarkSlogLogger(log *slog.Logger) larkcore.Logger {
	return &larkSlogLogger{logger: log.With(slog.String("source", "larkws"))}
}

func (l *larkSlogLogger) Debug(ctx context.Context, args ...interface{}) {
	l.logger.DebugContext(ctx, fmt.Sprint(args...))
}

func (l *larkSlogLogger) Info(ctx context.Context, args ...interface{}) {
	l.logger.InfoContext(ctx, fmt.Sprint(args...))
}

func (l *larkSlogLogger) Warn(ctx context.Context, args ...interface{}) {
	l.logger.WarnContext(ctx, fmt.Sprint(args...))
}

func (l *larkSlogLogger) Error(ctx context.Context, args ...interface{}) {
	l.logger.ErrorContext(ctx, fmt.Sprint(args...))
}

var _ channel.Sender = (*FeishuAdapter)(nil)
var _ channel.Receiver = (*FeishuAdapter)(nil)

func newUUID() string { return uuid.NewString() }
