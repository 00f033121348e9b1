// Package orchestrator runs long provider calls in the background and pushes their
// results back through the originating channel once they finish.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/memohai/chatgate/internal/channel"
)

const (
	AckText     = "任务已提交，正在处理中，完成后会通知您"
	BusyText    = "上一个任务仍在处理中，请稍后再试"
	TimeoutText = "任务超时"
	FailedText  = "任务失败"

	defaultMaxConcurrent = 8
	defaultTimeout       = 20 * time.Minute
	sendTimeout          = time.Minute
	maxFinishedTasks     = 256
)

type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// TaskFunc does the long work. A returned error is turned into an Error reply via
// the orchestrator's error formatter.
type TaskFunc func(ctx context.Context) (channel.Reply, error)

// Task is a snapshot of one background job.
type Task struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	SessionID  string    `json:"session_id"`
	Status     Status    `json:"status"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

type Options struct {
	MaxConcurrent int
	Timeout       time.Duration
	// ErrorText maps a task error to the user-facing message.
	ErrorText func(error) string
}

// Orchestrator tracks background tasks and enforces one running task per session.
type Orchestrator struct {
	sender    channel.Sender
	logger    *slog.Logger
	sem       *semaphore.Weighted
	timeout   time.Duration
	errorText func(error) string

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu       sync.Mutex
	tasks    map[string]*Task
	sessions map[string]string
	finished []string
}

func New(log *slog.Logger, sender channel.Sender, opts Options) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = defaultMaxConcurrent
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.ErrorText == nil {
		opts.ErrorText = func(error) string { return FailedText }
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		sender:    sender,
		logger:    log.With(slog.String("component", "orchestrator")),
		sem:       semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		timeout:   opts.Timeout,
		errorText: opts.ErrorText,
		baseCtx:   ctx,
		cancel:    cancel,
		tasks:     map[string]*Task{},
		sessions:  map[string]string{},
	}
}

// TryLock reserves the session for a new task. It reports false when the session
// already has one in flight.
func (o *Orchestrator) TryLock(sessionID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.sessions[sessionID]; busy {
		return false
	}
	o.sessions[sessionID] = ""
	return true
}

// Unlock releases a session reserved with TryLock that never got a task.
func (o *Orchestrator) Unlock(sessionID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if id, ok := o.sessions[sessionID]; ok && id == "" {
		delete(o.sessions, sessionID)
	}
}

// Busy reports whether the session has a task in flight.
func (o *Orchestrator) Busy(sessionID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, busy := o.sessions[sessionID]
	return busy
}

// Spawn registers a task for cc and runs fn in the background. It returns at once
// with the acknowledgement reply; the result reaches the user through the sender.
// When the session already has a task, nothing is spawned and an Info reply is
// returned instead.
func (o *Orchestrator) Spawn(_ context.Context, cc channel.Context, fn TaskFunc) (Task, channel.Reply) {
	session := cc.SessionID
	o.mu.Lock()
	if id, busy := o.sessions[session]; busy && id != "" {
		o.mu.Unlock()
		return Task{}, channel.InfoReply(BusyText)
	}
	task := &Task{
		ID:        uuid.NewString(),
		Kind:      cc.String(channel.AttrCommand),
		SessionID: session,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	}
	o.tasks[task.ID] = task
	o.sessions[session] = task.ID
	snapshot := *task
	o.mu.Unlock()

	target := cc.Target()
	o.wg.Add(1)
	go o.run(task.ID, target, fn)

	o.logger.Info("task spawned", slog.String("task_id", snapshot.ID), slog.String("kind", snapshot.Kind), slog.String("session_id", session))
	return snapshot, channel.InfoReply(AckText)
}

func (o *Orchestrator) run(id string, target channel.Target, fn TaskFunc) {
	defer o.wg.Done()

	ctx, cancel := context.WithTimeout(o.baseCtx, o.timeout)
	defer cancel()

	var (
		reply channel.Reply
		err   error
	)
	if err = o.sem.Acquire(ctx, 1); err == nil {
		o.update(id, func(t *Task) {
			t.Status = StatusRunning
			t.StartedAt = time.Now().UTC()
		})
		reply, err = o.call(ctx, fn)
		o.sem.Release(1)
	}
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}

	status := StatusDone
	if err != nil {
		status = StatusFailed
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			reply = channel.ErrorReply(TimeoutText)
		case errors.Is(err, context.Canceled) && o.baseCtx.Err() != nil:
			reply = channel.ErrorReply(FailedText)
		default:
			reply = channel.ErrorReply(o.errorText(err))
		}
		o.logger.Warn("task failed", slog.String("task_id", id), slog.Any("error", err))
	} else if verr := reply.Validate(); verr != nil {
		status = StatusFailed
		err = verr
		reply = channel.ErrorReply(FailedText)
		o.logger.Warn("task returned invalid reply", slog.String("task_id", id), slog.Any("error", verr))
	}

	o.finish(id, status, err)

	if o.sender == nil {
		return
	}
	sendCtx, sendCancel := context.WithTimeout(context.Background(), sendTimeout)
	defer sendCancel()
	if serr := o.sender.Send(sendCtx, target, reply); serr != nil {
		o.logger.Error("task result delivery failed", slog.String("task_id", id), slog.Any("error", serr))
	}
}

func (o *Orchestrator) call(ctx context.Context, fn TaskFunc) (reply channel.Reply, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panic: %v\n%s", r, debug.Stack())
		}
	}()
	return fn(ctx)
}

func (o *Orchestrator) update(id string, fn func(*Task)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if t, ok := o.tasks[id]; ok {
		fn(t)
	}
}

// finish records the terminal state and frees the session lock.
func (o *Orchestrator) finish(id string, status Status, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.tasks[id]
	if !ok {
		return
	}
	t.Status = status
	t.FinishedAt = time.Now().UTC()
	if err != nil {
		t.Error = err.Error()
	}
	if o.sessions[t.SessionID] == id {
		delete(o.sessions, t.SessionID)
	}
	o.finished = append(o.finished, id)
	for len(o.finished) > maxFinishedTasks {
		delete(o.tasks, o.finished[0])
		o.finished = o.finished[1:]
	}
}

// Get returns a snapshot of one task.
func (o *Orchestrator) Get(id string) (Task, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.tasks[id]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// Tasks returns snapshots of known tasks, newest first.
func (o *Orchestrator) Tasks() []Task {
	o.mu.Lock()
	out := make([]Task, 0, len(o.tasks))
	for _, t := range o.tasks {
		out = append(out, *t)
	}
	o.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Shutdown cancels running tasks and waits for them to report, bounded by ctx.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.cancel()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
