package schedule

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"remindbot/internal/brain"
	"remindbot/pkg/logx"
)

// fakeClock is a manually advanced clock for engine tests.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

// fakeTimers captures AfterFunc calls so tests can fire them deterministically.
type fakeTimers struct {
	mu        sync.Mutex
	scheduled []fakeTimer
}

type fakeTimer struct {
	delay time.Duration
	fn    func()
}

func (ft *fakeTimers) afterFunc(d time.Duration, f func()) *time.Timer {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.scheduled = append(ft.scheduled, fakeTimer{delay: d, fn: f})
	// Real timer far enough out that it never fires during a test; Stop()
	// still works for the cancel paths.
	return time.NewTimer(24 * time.Hour)
}

func (ft *fakeTimers) count() int {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return len(ft.scheduled)
}

func (ft *fakeTimers) fire(t *testing.T, i int) {
	t.Helper()
	ft.mu.Lock()
	if i >= len(ft.scheduled) {
		ft.mu.Unlock()
		t.Fatalf("no timer %d scheduled (have %d)", i, len(ft.scheduled))
	}
	fn := ft.scheduled[i].fn
	ft.mu.Unlock()
	fn()
}

// recordingDeliverer counts deliveries and replies with a scripted receipt.
type recordingDeliverer struct {
	mu         sync.Mutex
	deliveries []Delivery
	receipt    Receipt
	err        error
}

func (d *recordingDeliverer) Deliver(_ context.Context, dv Delivery) (Receipt, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deliveries = append(d.deliveries, dv)
	return d.receipt, d.err
}

func (d *recordingDeliverer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.deliveries)
}

func (d *recordingDeliverer) last() Delivery {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.deliveries[len(d.deliveries)-1]
}

var testEpoch = time.Date(2024, 1, 3, 12, 0, 0, 0, time.UTC) // a Wednesday

func newTestRegistry(t *testing.T, deliver Deliverer, render Renderer) (*Registry, *fakeTimers, *fakeClock, brain.Store) {
	t.Helper()
	store := brain.NewMemory()
	r := NewRegistry("reminders", store, EngineConfig{Deliverer: deliver, Renderer: render}, logx.Nop())
	clk := &fakeClock{t: testEpoch}
	ft := &fakeTimers{}
	r.engine.now = clk.Now
	r.engine.afterFunc = ft.afterFunc
	return r, ft, clk, store
}

func TestRecurringFireRearmsAndSavesThread(t *testing.T) {
	deliver := &recordingDeliverer{receipt: Receipt{MessageID: "42", ThreadID: "42", URL: "https://chat.test/42"}}
	r, ft, clk, store := newTestRegistry(t, deliver, nil)
	ctx := context.Background()

	job, err := r.Create(ctx, Owner{ID: "u1", Name: "alice", Room: "room-a"}, "room-a", "0 9 * * 1", "standup", Metadata{MessageID: "m1"}, true)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if ft.count() != 1 {
		t.Fatalf("armed timers = %d, want 1", ft.count())
	}
	wantDelay := time.Date(2024, 1, 8, 9, 0, 0, 0, time.UTC).Sub(testEpoch)
	if got := ft.scheduled[0].delay; got != wantDelay {
		t.Fatalf("armed delay = %v, want %v (next Monday 09:00 UTC)", got, wantDelay)
	}

	// Advance the clock to Monday 09:00 and let the timer go off.
	clk.Set(time.Date(2024, 1, 8, 9, 0, 0, 0, time.UTC))
	ft.fire(t, 0)

	if deliver.count() != 1 {
		t.Fatalf("deliveries = %d, want exactly 1", deliver.count())
	}
	if got := deliver.last().Message; got != "standup" {
		t.Fatalf("delivered message = %q", got)
	}

	got, ok := r.Get(job.ID)
	if !ok {
		t.Fatal("recurring job disappeared after fire")
	}
	if got.Metadata.ThreadID != "42" {
		t.Fatalf("ThreadID = %q, want 42", got.Metadata.ThreadID)
	}
	if got.Metadata.LastURL != "https://chat.test/42" {
		t.Fatalf("LastURL = %q", got.Metadata.LastURL)
	}

	// Re-armed for the Monday after.
	if ft.count() != 2 {
		t.Fatalf("timers after fire = %d, want 2", ft.count())
	}
	if got := ft.scheduled[1].delay; got != 7*24*time.Hour {
		t.Fatalf("re-arm delay = %v, want one week", got)
	}

	// Metadata change was persisted.
	records, err := store.Get(ctx, "reminders")
	if err != nil {
		t.Fatalf("store.Get: %v", err)
	}
	persisted, err := DeserializeJob(job.ID, records[job.ID])
	if err != nil {
		t.Fatalf("DeserializeJob: %v", err)
	}
	if persisted.Metadata.ThreadID != "42" {
		t.Fatalf("persisted ThreadID = %q, want 42", persisted.Metadata.ThreadID)
	}
}

func TestOneOffFireRetires(t *testing.T) {
	deliver := &recordingDeliverer{receipt: Receipt{MessageID: "7"}}
	r, ft, clk, store := newTestRegistry(t, deliver, nil)
	ctx := context.Background()

	at := testEpoch.Add(time.Second)
	job, err := r.Create(ctx, Owner{ID: "u1", Name: "alice", Room: "room-a"}, "room-a", at.Format(time.RFC3339), "ping", Metadata{MessageID: "m1"}, false)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	clk.Set(at)
	ft.fire(t, 0)

	if deliver.count() != 1 {
		t.Fatalf("deliveries = %d, want 1", deliver.count())
	}
	if _, err := r.Cancel(ctx, job.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Cancel after retirement = %v, want ErrNotFound", err)
	}
	if ft.count() != 1 {
		t.Fatalf("one-off re-armed: timers = %d, want 1", ft.count())
	}
	records, _ := store.Get(ctx, "reminders")
	if len(records) != 0 {
		t.Fatalf("store still holds %d records after retirement", len(records))
	}
}

func TestCanceledTimerCallbackIsIgnored(t *testing.T) {
	deliver := &recordingDeliverer{}
	r, ft, _, _ := newTestRegistry(t, deliver, nil)
	ctx := context.Background()

	job, err := r.Create(ctx, Owner{ID: "u1", Room: "room-a"}, "room-a", testEpoch.Add(time.Hour).Format(time.RFC3339), "ping", Metadata{}, false)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := r.Cancel(ctx, job.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	// The timer callback may still run after cancel; it must be a no-op.
	ft.fire(t, 0)
	if deliver.count() != 0 {
		t.Fatalf("delivery happened after cancel")
	}
}

func TestRenderFailureFallsBackToRawTemplate(t *testing.T) {
	deliver := &recordingDeliverer{}
	render := RenderFunc(func(string, *Job) (string, error) {
		return "", errors.New("bad placeholder")
	})
	r, ft, _, _ := newTestRegistry(t, deliver, render)
	ctx := context.Background()

	if _, err := r.Create(ctx, Owner{ID: "u1", Room: "room-a"}, "room-a", "0 9 * * 1", "raw ${tpl}", Metadata{}, false); err != nil {
		t.Fatalf("Create: %v", err)
	}
	ft.fire(t, 0)

	if deliver.count() != 1 {
		t.Fatal("delivery was dropped on render failure")
	}
	if got := deliver.last().Message; got != "raw ${tpl}" {
		t.Fatalf("delivered %q, want the raw template", got)
	}
}

func TestDeliveryFailureKeepsRecurringArmed(t *testing.T) {
	deliver := &recordingDeliverer{err: errors.New("transport down")}
	r, ft, _, _ := newTestRegistry(t, deliver, nil)
	ctx := context.Background()

	job, err := r.Create(ctx, Owner{ID: "u1", Room: "room-a"}, "room-a", "0 9 * * 1", "standup", Metadata{}, false)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	ft.fire(t, 0)

	if _, ok := r.Get(job.ID); !ok {
		t.Fatal("recurring job was dropped after delivery failure")
	}
	if ft.count() != 2 {
		t.Fatalf("timers = %d, want re-arm after failed delivery", ft.count())
	}
	if job.Metadata.ThreadID != "" {
		t.Fatal("metadata written despite failed delivery")
	}
}

func TestThreadedDeliveryContinuesThread(t *testing.T) {
	deliver := &recordingDeliverer{receipt: Receipt{MessageID: "100", ThreadID: "t9"}}
	r, ft, _, _ := newTestRegistry(t, deliver, nil)
	ctx := context.Background()

	if _, err := r.Create(ctx, Owner{ID: "u1", Room: "room-a"}, "room-a", "0 9 * * 1", "standup", Metadata{MessageID: "m1", ThreadID: "t9"}, true); err != nil {
		t.Fatalf("Create: %v", err)
	}
	ft.fire(t, 0)

	if got := deliver.last().ThreadID; got != "t9" {
		t.Fatalf("delivery ThreadID = %q, want prior thread t9", got)
	}
}
