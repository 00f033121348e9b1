// Package dispatch runs a routed context through an ordered list of handlers.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"

	"github.com/memohai/chatgate/internal/channel"
)

// ServiceUnavailableText is the reply when a handler failed and nothing else answered.
const ServiceUnavailableText = "服务暂不可用"

// Action tells the chain what to do after a handler returns.
type Action int

const (
	// ActionContinue passes the event to the next handler.
	ActionContinue Action = iota
	// ActionBreakPass stops the chain; Event.Reply is final. This is how a handler
	// claims a command.
	ActionBreakPass
	// ActionBreak stops the chain without replying.
	ActionBreak
)

func (a Action) String() string {
	switch a {
	case ActionContinue:
		return "continue"
	case ActionBreakPass:
		return "break_pass"
	case ActionBreak:
		return "break"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// Event is what handlers see and mutate.
type Event struct {
	Context *channel.Context
	Reply   *channel.Reply
	// Err records a handler failure that did not produce a reply.
	Err error
}

type Handler interface {
	Name() string
	Handle(ctx context.Context, ev *Event) Action
}

// HandlerFunc adapts a function into a Handler.
type HandlerFunc struct {
	HandlerName string
	Fn          func(ctx context.Context, ev *Event) Action
}

func (f HandlerFunc) Name() string { return f.HandlerName }

func (f HandlerFunc) Handle(ctx context.Context, ev *Event) Action { return f.Fn(ctx, ev) }

type entry struct {
	priority int
	seq      int
	handler  Handler
}

// Result is the outcome of one Run.
type Result struct {
	Reply   *channel.Reply
	Claimed string
}

// Chain holds handlers ordered by priority (desc), ties by registration order.
type Chain struct {
	logger *slog.Logger

	mu       sync.RWMutex
	handlers []entry
	seq      int
}

func NewChain(log *slog.Logger) *Chain {
	if log == nil {
		log = slog.Default()
	}
	return &Chain{logger: log.With(slog.String("component", "dispatch"))}
}

// Register adds h at the given priority.
func (c *Chain) Register(priority int, h Handler) {
	if h == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	c.handlers = append(c.handlers, entry{priority: priority, seq: c.seq, handler: h})
	sort.SliceStable(c.handlers, func(i, j int) bool {
		if c.handlers[i].priority != c.handlers[j].priority {
			return c.handlers[i].priority > c.handlers[j].priority
		}
		return c.handlers[i].seq < c.handlers[j].seq
	})
}

// Names lists handlers in execution order.
func (c *Chain) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.handlers))
	for _, e := range c.handlers {
		names = append(names, e.handler.Name())
	}
	return names
}

// Run produces zero or one reply. A terminal reply (Error, Info) stops the chain as
// soon as it is set. Panics and handler errors never escape.
func (c *Chain) Run(ctx context.Context, cc *channel.Context) Result {
	c.mu.RLock()
	handlers := make([]entry, len(c.handlers))
	copy(handlers, c.handlers)
	c.mu.RUnlock()

	ev := &Event{Context: cc}
	var (
		failed    bool
		claimedBy string
	)
	for _, e := range handlers {
		name := e.handler.Name()
		action, err := c.invoke(ctx, e.handler, ev)
		if err != nil {
			failed = true
			c.logger.Error("handler panic", slog.String("handler", name), slog.Any("error", err))
			continue
		}
		if ev.Err != nil {
			failed = true
			c.logger.Warn("handler failed", slog.String("handler", name), slog.Any("error", ev.Err))
			ev.Err = nil
		}
		if ev.Reply != nil {
			claimedBy = name
			if ev.Reply.IsTerminal() {
				break
			}
		}
		if action == ActionBreakPass {
			claimedBy = name
			break
		}
		if action == ActionBreak {
			c.logger.Debug("event dropped", slog.String("handler", name))
			return Result{Claimed: name}
		}
	}

	if ev.Reply == nil && failed {
		r := channel.ErrorReply(ServiceUnavailableText)
		return Result{Reply: &r, Claimed: claimedBy}
	}
	return Result{Reply: ev.Reply, Claimed: claimedBy}
}

// Dispatch satisfies channel.Dispatcher.
func (c *Chain) Dispatch(ctx context.Context, cc *channel.Context) *channel.Reply {
	return c.Run(ctx, cc).Reply
}

func (c *Chain) invoke(ctx context.Context, h Handler, ev *Event) (action Action, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
			action = ActionContinue
		}
	}()
	return h.Handle(ctx, ev), nil
}

var _ channel.Dispatcher = (*Chain)(nil)
