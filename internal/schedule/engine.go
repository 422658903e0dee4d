package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"remindbot/internal/eventbus"
	"remindbot/pkg/logx"
)

// Delivery is what the engine hands to the chat adapter on fire.
type Delivery struct {
	Room         string
	Owner        Owner
	Message      string
	PostInThread bool
	ThreadID     string // prior thread to continue, if any
}

// Receipt reports where a delivery landed.
type Receipt struct {
	MessageID string
	ThreadID  string
	URL       string
}

// Deliverer sends a rendered message to the chat adapter.
type Deliverer interface {
	Deliver(ctx context.Context, d Delivery) (Receipt, error)
}

type DeliverFunc func(ctx context.Context, d Delivery) (Receipt, error)

func (f DeliverFunc) Deliver(ctx context.Context, d Delivery) (Receipt, error) { return f(ctx, d) }

// Renderer resolves template placeholders at fire time. A render failure is
// not fatal: the engine falls back to the raw template.
type Renderer interface {
	Render(template string, job *Job) (string, error)
}

type RenderFunc func(template string, job *Job) (string, error)

func (f RenderFunc) Render(template string, job *Job) (string, error) { return f(template, job) }

// RawRenderer passes templates through untouched.
type RawRenderer struct{}

func (RawRenderer) Render(template string, _ *Job) (string, error) { return template, nil }

// Sink receives job state transitions out of the firing path. The registry
// implements it: metadata write-back after a delivery, and one-off retirement.
type Sink interface {
	// JobFired persists post-delivery metadata and returns the updated job,
	// or nil if the job is no longer live.
	JobFired(ctx context.Context, job *Job, receipt Receipt) *Job
	JobRetired(ctx context.Context, job *Job)
}

// Engine event types, published on the bus per fire.
const (
	EventFired         = "job.fired"
	EventRetired       = "job.retired"
	EventDeliverFailed = "job.deliver_failed"
)

type JobEvent struct {
	Namespace string
	JobID     string
	Kind      string
	Room      string
	FireID    string
	Error     string
}

type EngineConfig struct {
	Namespace string
	Deliverer Deliverer
	Renderer  Renderer
	Bus       eventbus.Bus

	// DeliveriesPerSec caps outgoing sends across all jobs of the engine.
	// Zero disables the limiter.
	DeliveriesPerSec float64
	Burst            int
}

// Engine arms and disarms timers per job and drives the fire path. Per-job
// fires never overlap: the next timer is armed only after the current
// delivery attempt has been dispatched. Distinct jobs fire independently.
type Engine struct {
	ns      string
	log     logx.Logger
	deliver Deliverer
	render  Renderer
	limiter *rate.Limiter
	bus     eventbus.Bus
	sink    Sink

	// injectable clock, for tests
	now       func() time.Time
	afterFunc func(d time.Duration, f func()) *time.Timer
}

func NewEngine(cfg EngineConfig, sink Sink, log logx.Logger) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	render := cfg.Renderer
	if render == nil {
		render = RawRenderer{}
	}
	var limiter *rate.Limiter
	if cfg.DeliveriesPerSec > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.DeliveriesPerSec), burst)
	}
	return &Engine{
		ns:        cfg.Namespace,
		log:       log,
		deliver:   cfg.Deliverer,
		render:    render,
		limiter:   limiter,
		bus:       cfg.Bus,
		sink:      sink,
		now:       time.Now,
		afterFunc: time.AfterFunc,
	}
}

// Handle is an armed timer for one job. The generation counter makes
// canceled or superseded timer callbacks no-ops even if they already fired.
type Handle struct {
	mu    sync.Mutex
	timer *time.Timer
	gen   uint64
	done  bool
}

func (h *Handle) cancel() {
	h.mu.Lock()
	h.done = true
	h.gen++
	if h.timer != nil {
		h.timer.Stop()
	}
	h.mu.Unlock()
}

// Arm computes the job's next fire instant in UTC and starts a timer for it.
// One-off instants at or before now fail fast with ErrInThePast rather than
// firing immediately.
func (e *Engine) Arm(job *Job) (*Handle, error) {
	now := e.now()
	next := job.NextAfter(now)
	if job.Kind == KindOneOff && !next.After(now) {
		return nil, fmt.Errorf("%w: %s", ErrInThePast, job.Pattern)
	}
	if next.IsZero() {
		return nil, fmt.Errorf("%w: %q has no future occurrence", ErrInvalidPattern, job.Pattern)
	}
	h := &Handle{}
	e.armAt(job, h, next)
	e.log.Debug("job armed",
		logx.String("namespace", e.ns),
		logx.String("job", job.ID),
		logx.String("kind", job.Kind.String()),
		logx.Time("next", next))
	return h, nil
}

// Disarm stops the handle's timer. Terminal: an in-flight delivery completes,
// but no re-arm follows.
func (e *Engine) Disarm(h *Handle) {
	if h != nil {
		h.cancel()
	}
}

func (e *Engine) armAt(job *Job, h *Handle, at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.done {
		return
	}
	h.gen++
	gen := h.gen
	d := at.Sub(e.now())
	if d < 0 {
		d = 0
	}
	h.timer = e.afterFunc(d, func() { e.fire(job, h, gen) })
}

// fire runs one delivery attempt, then re-arms (recurring) or retires
// (one-off). Errors are logged and swallowed so one job's failure never halts
// the engine's handling of other jobs.
func (e *Engine) fire(job *Job, h *Handle, gen uint64) {
	h.mu.Lock()
	stale := h.done || gen != h.gen
	h.mu.Unlock()
	if stale {
		return
	}

	ctx := context.Background()
	fireID := uuid.NewString()
	log := e.log.With(
		logx.String("namespace", e.ns),
		logx.String("job", job.ID),
		logx.String("fire", fireID))

	message, err := e.render.Render(job.Message, job)
	if err != nil {
		// A partially-correct message beats a silently-dropped one.
		log.Warn("template render failed, sending raw template", logx.Err(err))
		message = job.Message
	}

	if e.limiter != nil {
		_ = e.limiter.Wait(ctx)
	}

	d := Delivery{
		Room:         job.Room,
		Owner:        job.Owner,
		Message:      message,
		PostInThread: job.PostInThread,
	}
	if job.PostInThread {
		d.ThreadID = job.Metadata.ThreadID
	}

	receipt, err := e.deliver.Deliver(ctx, d)
	if err != nil {
		log.Error("delivery failed", logx.String("room", job.Room), logx.Err(err))
		e.publish(EventDeliverFailed, job, fireID, err)
	} else {
		if updated := e.sink.JobFired(ctx, job, receipt); updated != nil {
			job = updated
		}
		e.publish(EventFired, job, fireID, nil)
	}

	switch job.Kind {
	case KindRecurring:
		e.armAt(job, h, job.NextAfter(e.now()))
	case KindOneOff:
		h.cancel()
		e.sink.JobRetired(ctx, job)
		e.publish(EventRetired, job, fireID, nil)
	}
}

func (e *Engine) publish(typ string, job *Job, fireID string, err error) {
	if e.bus == nil {
		return
	}
	ev := JobEvent{
		Namespace: e.ns,
		JobID:     job.ID,
		Kind:      job.Kind.String(),
		Room:      job.Room,
		FireID:    fireID,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	e.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}
