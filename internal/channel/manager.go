package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/memohai/chatgate/internal/kvstore"
)

// Outcome is the router's verdict for one message.
type Outcome int

const (
	OutcomeIgnored Outcome = iota
	OutcomeRouted
)

// Decision is what a Router returns. Tip, when set, is sent before dispatch.
type Decision struct {
	Outcome Outcome
	Context Context
	Tip     *Reply
}

// Router turns a normalized message into a routing decision.
type Router interface {
	BuildContext(msg Message) (Decision, error)
}

// Dispatcher runs the handler chain and returns at most one reply.
type Dispatcher interface {
	Dispatch(ctx context.Context, c *Context) *Reply
}

// ManagerOptions tunes the inbound worker pool and outbound retries.
type ManagerOptions struct {
	QueueSize int
	Workers   int
	Retry     RetryPolicy
}

const (
	defaultQueueSize = 256
	defaultWorkers   = 4
)

type inboundTask struct {
	ctx context.Context
	msg Message
}

// Manager glues adapters to the processing pipeline: dedup, route, dispatch, send.
// Webhook handlers and long-lived receivers feed it through HandleInbound, which only
// enqueues, so platform callbacks return well within their deadlines.
type Manager struct {
	registry   *Registry
	router     Router
	dispatcher Dispatcher
	dedup      *kvstore.Store[bool]
	retry      RetryPolicy
	logger     *slog.Logger

	inboundQueue   chan inboundTask
	inboundWorkers int
	inboundOnce    sync.Once
	inboundCtx     context.Context
	inboundCancel  context.CancelFunc
	wg             sync.WaitGroup

	mu          sync.Mutex
	connections []Connection
}

// NewManager creates a Manager. dedup holds processed message ids.
func NewManager(log *slog.Logger, registry *Registry, router Router, dispatcher Dispatcher, dedup *kvstore.Store[bool], opts ManagerOptions) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if registry == nil {
		registry = NewRegistry()
	}
	if dedup == nil {
		dedup = kvstore.New[bool](7*time.Hour + 6*time.Minute)
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	return &Manager{
		registry:       registry,
		router:         router,
		dispatcher:     dispatcher,
		dedup:          dedup,
		retry:          opts.Retry.normalize(),
		logger:         log.With(slog.String("component", "channel")),
		inboundQueue:   make(chan inboundTask, opts.QueueSize),
		inboundWorkers: opts.Workers,
	}
}

// Registry returns the adapter registry used by this manager.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// RegisterAdapter adds an adapter to the registry and logs the registration.
func (m *Manager) RegisterAdapter(adapter Adapter) {
	if adapter == nil {
		return
	}
	if err := m.registry.Register(adapter); err != nil {
		m.logger.Warn("adapter registration failed", slog.String("channel", adapter.Type().String()), slog.Any("error", err))
		return
	}
	m.logger.Info("adapter registered", slog.String("channel", adapter.Type().String()))
}

// Start launches the inbound worker pool and connects every registered Receiver.
func (m *Manager) Start(ctx context.Context) {
	m.logger.Info("manager start")
	m.startInboundWorkers(ctx)
	for _, ct := range m.registry.Types() {
		receiver, ok := m.registry.GetReceiver(ct)
		if !ok {
			continue
		}
		conn, err := receiver.Connect(m.inboundCtx, m.HandleInbound)
		if err != nil {
			m.logger.Error("adapter connect failed", slog.String("channel", ct.String()), slog.Any("error", err))
			continue
		}
		if conn == nil {
			continue
		}
		m.mu.Lock()
		m.connections = append(m.connections, conn)
		m.mu.Unlock()
		m.logger.Info("adapter connected", slog.String("channel", ct.String()))
	}
}

func (m *Manager) startInboundWorkers(ctx context.Context) {
	m.inboundOnce.Do(func() {
		m.inboundCtx, m.inboundCancel = context.WithCancel(context.WithoutCancel(ctx))
		for i := 0; i < m.inboundWorkers; i++ {
			m.wg.Add(1)
			go m.runInboundWorker()
		}
	})
}

func (m *Manager) runInboundWorker() {
	defer m.wg.Done()
	for {
		select {
		case <-m.inboundCtx.Done():
			return
		case task := <-m.inboundQueue:
			m.process(task.ctx, task.msg)
		}
	}
}

// HandleInbound records the message id and enqueues the message for processing.
// Duplicates are dropped silently. When the queue is full the message is dropped and
// its id forgotten, so a platform retry can still be processed.
func (m *Manager) HandleInbound(ctx context.Context, msg Message) error {
	id := strings.TrimSpace(msg.ID)
	if id != "" {
		key := msg.Channel.String() + ":" + id
		if !m.dedup.SetIfAbsent(key, true, 0) {
			m.logger.Debug("duplicate inbound dropped", slog.String("channel", msg.Channel.String()), slog.String("message_id", id))
			return nil
		}
	}
	m.startInboundWorkers(ctx)
	select {
	case m.inboundQueue <- inboundTask{ctx: context.WithoutCancel(ctx), msg: msg}:
		return nil
	default:
		if id != "" {
			m.dedup.Delete(msg.Channel.String() + ":" + id)
		}
		m.logger.Warn("inbound queue full, message dropped",
			slog.String("channel", msg.Channel.String()),
			slog.String("message_id", id))
		return fmt.Errorf("inbound queue full")
	}
}

func (m *Manager) process(ctx context.Context, msg Message) {
	log := m.logger.With(
		slog.String("channel", msg.Channel.String()),
		slog.String("message_id", msg.ID),
	)
	defer func() {
		if r := recover(); r != nil {
			log.Error("inbound processing panic", slog.Any("panic", r), slog.String("stack", string(debug.Stack())))
		}
	}()
	if m.router == nil || m.dispatcher == nil {
		log.Error("manager not configured with router and dispatcher")
		return
	}
	decision, err := m.router.BuildContext(msg)
	if err != nil {
		log.Warn("route inbound failed", slog.Any("error", err))
		return
	}
	if decision.Outcome != OutcomeRouted {
		log.Debug("inbound ignored by router")
		return
	}
	c := decision.Context
	target := c.Target()
	if decision.Tip != nil {
		if err := m.SendReply(ctx, target, *decision.Tip); err != nil {
			log.Warn("send tip failed", slog.Any("error", err))
		}
	}
	reply := m.dispatcher.Dispatch(ctx, &c)
	if reply == nil {
		log.Debug("no handler produced a reply", slog.String("context_type", string(c.Type)))
		return
	}
	if err := m.SendReply(ctx, target, *reply); err != nil {
		log.Error("send reply failed", slog.String("reply_kind", string(reply.Kind)), slog.Any("error", err))
	}
}

// Send implements Sender so out-of-band senders share the manager's retry policy.
func (m *Manager) Send(ctx context.Context, target Target, reply Reply) error {
	return m.SendReply(ctx, target, reply)
}

// SendReply validates the reply and delivers it through the adapter owning target.Channel.
func (m *Manager) SendReply(ctx context.Context, target Target, reply Reply) error {
	if err := reply.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(target.ID) == "" {
		return fmt.Errorf("target is required")
	}
	sender, ok := m.registry.GetSender(target.Channel)
	if !ok {
		return fmt.Errorf("unsupported channel type: %s", target.Channel)
	}
	m.logger.Info("send outbound", slog.String("channel", target.Channel.String()), slog.String("reply_kind", string(reply.Kind)))
	return sendWithRetry(ctx, m.logger, sender, target, reply, m.retry)
}

// Shutdown cancels the inbound worker pool and stops all active connections.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	conns := m.connections
	m.connections = nil
	m.mu.Unlock()
	for _, conn := range conns {
		if err := conn.Stop(ctx); err != nil && !errors.Is(err, ErrStopNotSupported) {
			m.logger.Warn("connection stop failed", slog.String("channel", conn.ChannelType().String()), slog.Any("error", err))
		}
	}
	if m.inboundCancel != nil {
		m.inboundCancel()
	}
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	m.logger.Info("manager stop")
	return nil
}
