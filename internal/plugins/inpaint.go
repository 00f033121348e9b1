package plugins

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"unicode"

	"github.com/memohai/chatgate/internal/channel"
	"github.com/memohai/chatgate/internal/dispatch"
	"github.com/memohai/chatgate/internal/provider/stability"
)

const modeInpaint = "inpaint"

var inpaintPattern = regexp.MustCompile(`把(.*?)替换成([^，。,.!?;:\s]*).*`)

type InpaintClient interface {
	Inpaint(ctx context.Context, req stability.InpaintRequest) ([]byte, error)
}

// Inpaint arms a search-and-replace edit from a text command and applies it to the
// next image the user sends.
type Inpaint struct {
	cfg      ConfigSource
	client   InpaintClient
	sessions *Sessions
	tasks    Spawner
	logger   *slog.Logger
}

func NewInpaint(log *slog.Logger, cfg ConfigSource, client InpaintClient, sessions *Sessions, tasks Spawner) *Inpaint {
	return &Inpaint{
		cfg:      cfg,
		client:   client,
		sessions: sessions,
		tasks:    tasks,
		logger:   scopedLogger(log, modeInpaint),
	}
}

func (p *Inpaint) Name() string  { return modeInpaint }
func (p *Inpaint) Priority() int { return PriorityInpaint }

func (p *Inpaint) usage(prefix string) string {
	return fmt.Sprintf("💡欢迎使用修图服务，修图指令格式为:\n\n%s+空格+把xxx替换成yyy\n例如:%s 把狗替换成猫", prefix, prefix)
}

func (p *Inpaint) Handle(ctx context.Context, ev *dispatch.Event) dispatch.Action {
	cc := ev.Context
	switch cc.Type {
	case channel.ContextText:
		prefix := p.cfg.Current().Stability.InpaintPrefix
		if prefix == "" || !strings.HasPrefix(cc.Content, prefix) {
			return dispatch.ActionContinue
		}
		args, ok := commandArgs(cc.Content, prefix)
		if !ok {
			return reply(ev, channel.TextReply(p.usage(prefix)))
		}
		search, prompt, ok := ParseInpaint(args)
		if !ok {
			return reply(ev, channel.TextReply("❌错误的命令\n\n"+p.usage(prefix)))
		}
		p.sessions.Arm(cc.SessionID, SessionState{Mode: modeInpaint, Search: search, Prompt: prompt})
		p.logger.Info("inpaint armed", slog.String("session_id", cc.SessionID), slog.String("search", search), slog.String("prompt", prompt))
		return reply(ev, channel.TextReply(fmt.Sprintf("🖼️ 请发送一张图片，将把「%s」替换成「%s」", search, prompt)))

	case channel.ContextImage:
		st, ok := p.sessions.Consume(modeInpaint, cc.SessionID)
		if !ok {
			return dispatch.ActionContinue
		}
		cc.Set(channel.AttrCommand, modeInpaint)
		msg := cc.Message
		task, ack := p.tasks.Spawn(ctx, *cc, func(ctx context.Context) (channel.Reply, error) {
			image, name, err := loadResource(ctx, msg)
			if err != nil {
				return channel.Reply{}, err
			}
			out, err := p.client.Inpaint(ctx, stability.InpaintRequest{
				Image:    image,
				FileName: name,
				Search:   st.Search,
				Prompt:   st.Prompt,
			})
			if err != nil {
				return channel.Reply{}, err
			}
			return channel.BytesReply(channel.ReplyImage, out), nil
		})
		if task.ID == "" {
			p.sessions.Arm(cc.SessionID, st)
		}
		return reply(ev, ack)
	}
	return dispatch.ActionContinue
}

// ParseInpaint extracts the search target and replacement from "把A替换成B".
func ParseInpaint(query string) (search, prompt string, ok bool) {
	m := inpaintPattern.FindStringSubmatch(query)
	if m == nil {
		return "", "", false
	}
	search, prompt = strings.TrimSpace(m[1]), strings.TrimSpace(m[2])
	if search == "" || prompt == "" {
		return "", "", false
	}
	return search, prompt, true
}

// commandArgs returns what follows "<prefix><space>". ok is false for a bare
// prefix or when no whitespace separates the arguments.
func commandArgs(content, prefix string) (string, bool) {
	rest := strings.TrimPrefix(content, prefix)
	if rest == "" || !unicode.IsSpace([]rune(rest)[0]) {
		return "", false
	}
	rest = strings.TrimSpace(rest)
	return rest, rest != ""
}
