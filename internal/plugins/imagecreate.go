package plugins

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/memohai/chatgate/internal/channel"
	"github.com/memohai/chatgate/internal/dispatch"
	"github.com/memohai/chatgate/internal/provider"
	"github.com/memohai/chatgate/internal/ratelimit"
)

// TextImageQuota is shown when the provider keeps rate limiting after one retry.
const TextImageQuota = "画图出现问题，可能是画图配额不足(当前画图配额为每分钟5张)"

// ImageCreate answers image-create contexts with a generated image.
type ImageCreate struct {
	client  provider.Generator
	bucket  *ratelimit.Bucket
	backoff time.Duration
	logger  *slog.Logger
}

// NewImageCreate builds the handler. A nil bucket disables local throttling.
func NewImageCreate(log *slog.Logger, client provider.Generator, bucket *ratelimit.Bucket, backoff time.Duration) *ImageCreate {
	return &ImageCreate{
		client:  client,
		bucket:  bucket,
		backoff: backoff,
		logger:  scopedLogger(log, "imagecreate"),
	}
}

func (p *ImageCreate) Name() string  { return "imagecreate" }
func (p *ImageCreate) Priority() int { return PriorityImageCreate }

func (p *ImageCreate) Handle(ctx context.Context, ev *dispatch.Event) dispatch.Action {
	cc := ev.Context
	if cc.Type != channel.ContextImageCreate {
		return dispatch.ActionContinue
	}
	prompt := strings.TrimSpace(cc.Content)
	if p.bucket != nil && !p.bucket.Acquire() {
		return reply(ev, channel.ErrorReply(provider.TextRateLimited))
	}

	res, err := p.client.Generate(ctx, prompt, provider.Params{})
	if errors.Is(err, provider.ErrRateLimited) {
		p.logger.Warn("image rate limited, retrying once", slog.Duration("backoff", p.backoff))
		if !sleep(ctx, p.backoff) {
			return reply(ev, channel.ErrorReply(TextImageQuota))
		}
		res, err = p.client.Generate(ctx, prompt, provider.Params{})
		if errors.Is(err, provider.ErrRateLimited) {
			return reply(ev, channel.ErrorReply(TextImageQuota))
		}
	}
	if err != nil {
		p.logger.Warn("image generation failed", slog.Any("error", err))
		return reply(ev, channel.ErrorReply(provider.UserMessage(err)))
	}
	switch {
	case res.URL != "":
		return reply(ev, channel.ImageURLReply(res.URL))
	case len(res.Data) > 0:
		return reply(ev, channel.BytesReply(channel.ReplyImage, res.Data))
	}
	return reply(ev, channel.ErrorReply(provider.TextUnavailable))
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
