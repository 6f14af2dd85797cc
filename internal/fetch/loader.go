package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sheerbytes/resched/internal/hostprops"
	"github.com/sheerbytes/resched/internal/ioloop"
	"github.com/sheerbytes/resched/internal/scheduler"
)

var (
	// ErrCanceled is returned when a job is canceled before it completes.
	ErrCanceled = errors.New("fetch: canceled")
	// ErrUnknownJob is returned for operations on a job that is not running.
	ErrUnknownJob = errors.New("fetch: unknown job")
	// ErrDuplicateJob is returned when a job ID is already in use.
	ErrDuplicateJob = errors.New("fetch: duplicate job")
)

// Job describes one fetch to run through the scheduler.
type Job struct {
	ID           string
	Client       scheduler.ClientID
	URL          string
	Priority     scheduler.Priority
	Synchronous  bool
	IgnoreLimits bool
	// OnStart is called from Load's goroutine once the scheduler admits the
	// job. deferred reports whether it waited in the pending queue.
	OnStart func(deferred bool)
}

// Result summarises a completed fetch.
type Result struct {
	Status   int
	Proto    string
	Bytes    int64
	Duration time.Duration
}

// Config holds optional Loader collaborators.
type Config struct {
	HTTPClient *http.Client
	// Hosts learns multiplexing support from responses when set.
	Hosts  *hostprops.Store
	Logger *slog.Logger
}

// Loader runs HTTP GETs, each gated by the resource scheduler. The scheduler
// is only touched on the loop.
type Loader struct {
	loop   *ioloop.Loop
	sched  *scheduler.ResourceScheduler
	client *http.Client
	hosts  *hostprops.Store
	logger *slog.Logger

	// loop-owned
	active map[string]*operation
}

func NewLoader(loop *ioloop.Loop, sched *scheduler.ResourceScheduler, cfg Config) *Loader {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Loader{
		loop:   loop,
		sched:  sched,
		client: client,
		hosts:  cfg.Hosts,
		logger: logger,
		active: make(map[string]*operation),
	}
}

// operation adapts a running job to scheduler.Fetch.
type operation struct {
	job      Job
	u        *url.URL
	priority scheduler.Priority
	ctx      context.Context
	cancel   context.CancelFunc
	handle   *scheduler.Request

	resumed    chan struct{}
	resumeOnce sync.Once
}

func (o *operation) URL() *url.URL                    { return o.u }
func (o *operation) Priority() scheduler.Priority     { return o.priority }
func (o *operation) SetPriority(p scheduler.Priority) { o.priority = p }
func (o *operation) Synchronous() bool                { return o.job.Synchronous }
func (o *operation) IgnoreLimits() bool               { return o.job.IgnoreLimits }
func (o *operation) Canceled() bool                   { return o.ctx.Err() != nil }
func (o *operation) Resume()                          { o.resumeOnce.Do(func() { close(o.resumed) }) }

// Load schedules job, waits for admission, performs the request and drains
// the body. The scheduler slot is released when Load returns.
func (l *Loader) Load(ctx context.Context, job Job) (Result, error) {
	u, err := url.Parse(job.URL)
	if err != nil {
		return Result{}, fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Result{}, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if !job.Priority.Valid() {
		return Result{}, fmt.Errorf("invalid priority %d", int(job.Priority))
	}
	if job.IgnoreLimits {
		job.Priority = scheduler.MaximumPriority
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	op := &operation{
		job:      job,
		u:        u,
		priority: job.Priority,
		ctx:      ctx,
		cancel:   cancel,
		resumed:  make(chan struct{}),
	}

	var deferred bool
	var dupErr error
	err = l.loop.Call(ctx, func() {
		if ctx.Err() != nil {
			return
		}
		if _, dup := l.active[job.ID]; dup {
			dupErr = fmt.Errorf("%w: %s", ErrDuplicateJob, job.ID)
			return
		}
		op.handle = l.sched.ScheduleRequest(job.Client, op)
		deferred = op.handle.WillStart()
		l.active[job.ID] = op
	})
	if err != nil {
		// The task may still run after Call gives up; release behind it.
		l.release(op)
		if errors.Is(err, context.Canceled) {
			return Result{}, ErrCanceled
		}
		return Result{}, fmt.Errorf("schedule: %w", err)
	}
	if dupErr != nil {
		return Result{}, dupErr
	}
	defer l.release(op)

	if deferred {
		l.logger.Debug("fetch deferred", "job", job.ID, "client", job.Client, "priority", job.Priority)
		select {
		case <-op.resumed:
		case <-ctx.Done():
			return Result{}, ErrCanceled
		}
	}
	if job.OnStart != nil {
		job.OnStart(deferred)
	}

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Result{}, fmt.Errorf("create request: %w", err)
	}
	resp, err := l.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ErrCanceled
		}
		return Result{}, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	n, err := io.Copy(io.Discard, resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ErrCanceled
		}
		return Result{}, fmt.Errorf("read response: %w", err)
	}
	if l.hosts != nil {
		l.hosts.ObserveResponse(scheduler.HostPort(u), resp.ProtoMajor, resp.Header.Get("Alt-Svc"))
	}

	res := Result{
		Status:   resp.StatusCode,
		Proto:    resp.Proto,
		Bytes:    n,
		Duration: time.Since(start),
	}
	l.logger.Debug("fetch completed", "job", job.ID, "url", u.String(), "status", res.Status, "bytes", res.Bytes, "duration", res.Duration)
	return res, nil
}

func (l *Loader) release(op *operation) {
	err := l.loop.Post(func() {
		if op.handle == nil {
			return
		}
		op.handle.Release()
		if l.active[op.job.ID] == op {
			delete(l.active, op.job.ID)
		}
	})
	if err != nil {
		l.logger.Debug("release after loop stopped", "job", op.job.ID)
	}
}

// Reprioritize changes the priority of a running job.
func (l *Loader) Reprioritize(ctx context.Context, id string, p scheduler.Priority) error {
	if !p.Valid() {
		return fmt.Errorf("invalid priority %d", int(p))
	}
	var opErr error
	err := l.loop.Call(ctx, func() {
		op, ok := l.active[id]
		if !ok {
			opErr = fmt.Errorf("%w: %s", ErrUnknownJob, id)
			return
		}
		if op.job.IgnoreLimits {
			opErr = fmt.Errorf("job %s ignores limits and cannot be reprioritized", id)
			return
		}
		l.sched.ReprioritizeRequest(op.handle, p)
	})
	if err != nil {
		return err
	}
	return opErr
}

// Cancel aborts a running job. Its Load call returns ErrCanceled.
func (l *Loader) Cancel(ctx context.Context, id string) error {
	var opErr error
	err := l.loop.Call(ctx, func() {
		op, ok := l.active[id]
		if !ok {
			opErr = fmt.Errorf("%w: %s", ErrUnknownJob, id)
			return
		}
		op.cancel()
	})
	if err != nil {
		return err
	}
	return opErr
}

// CancelClient aborts every running job that belongs to id.
func (l *Loader) CancelClient(ctx context.Context, id scheduler.ClientID) (int, error) {
	canceled := 0
	err := l.loop.Call(ctx, func() {
		for _, op := range l.active {
			if op.job.Client == id {
				op.cancel()
				canceled++
			}
		}
	})
	return canceled, err
}

// DeleteClient removes id from the scheduler. Its started jobs keep running
// without an owner; queued jobs can no longer start and are canceled.
func (l *Loader) DeleteClient(ctx context.Context, id scheduler.ClientID) (int, error) {
	canceled := 0
	err := l.loop.Call(ctx, func() {
		l.sched.OnClientDeleted(id)
		for _, op := range l.active {
			if op.job.Client == id && op.handle != nil && !op.handle.Ready() {
				op.cancel()
				canceled++
			}
		}
	})
	return canceled, err
}
