package schedule

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strconv"
	"sync"

	"remindbot/internal/brain"
	"remindbot/pkg/logx"
)

// Registry is the authoritative in-process map from job id to live job and
// armed timer for one namespace. All mutations are serialized behind the
// registry mutex, so no observer sees a job registered in memory but absent
// from the store (or vice versa) outside the write itself.
type Registry struct {
	ns     string
	log    logx.Logger
	store  brain.Store
	engine *Engine

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	job    *Job
	handle *Handle
}

func NewRegistry(ns string, store brain.Store, ecfg EngineConfig, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("namespace", ns))
	r := &Registry{
		ns:      ns,
		log:     log,
		store:   store,
		entries: map[string]*entry{},
	}
	ecfg.Namespace = ns
	r.engine = NewEngine(ecfg, r, log)
	return r
}

// Namespace returns the registry's storage namespace.
func (r *Registry) Namespace() string { return r.ns }

// Create validates the pattern, allocates a fresh in-namespace id, persists
// the job and arms it. Nothing is mutated when validation or persistence
// fails.
func (r *Registry) Create(ctx context.Context, owner Owner, room, pattern, message string, md Metadata, postInThread bool) (*Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.createLocked(ctx, r.freshIDLocked(), owner, room, pattern, message, md, postInThread)
}

func (r *Registry) createLocked(ctx context.Context, id string, owner Owner, room, pattern, message string, md Metadata, postInThread bool) (*Job, error) {
	job, err := NewJob(id, pattern, owner, room, message, md, postInThread)
	if err != nil {
		return nil, err
	}
	if job.Kind == KindOneOff && !job.At().After(r.engine.now()) {
		return nil, fmt.Errorf("%w: %s", ErrInThePast, pattern)
	}

	raw, err := job.Serialize()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if err := r.store.Set(ctx, r.ns, id, raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	handle, err := r.engine.Arm(job)
	if err != nil {
		// The instant check above makes this unreachable in practice; undo
		// the write so the store never retains an unarmed job.
		_ = r.store.Delete(ctx, r.ns, id)
		return nil, err
	}
	r.entries[id] = &entry{job: job, handle: handle}
	r.log.Info("job created",
		logx.String("job", id),
		logx.String("kind", job.Kind.String()),
		logx.String("room", job.Room))
	return job, nil
}

// Cancel disarms the job's timer and removes it from the registry and the
// store. The store delete happens first so a failure leaves the job fully
// live rather than half-removed.
func (r *Registry) Cancel(ctx context.Context, id string) (*Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelLocked(ctx, id)
}

func (r *Registry) cancelLocked(ctx context.Context, id string) (*Job, error) {
	e, ok := r.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := r.store.Delete(ctx, r.ns, id); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	r.engine.Disarm(e.handle)
	delete(r.entries, id)
	r.log.Info("job canceled", logx.String("job", id))
	return e.job, nil
}

// Update replaces the job's message template, keeping pattern, owner and
// metadata. Implemented as cancel+create sharing the id, so the job is never
// double-armed.
func (r *Registry) Update(ctx context.Context, id, newMessage string) (*Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	old := cur.job
	// Validate the replacement before touching anything.
	if _, err := NewJob(id, old.Pattern, old.Owner, old.Room, newMessage, old.Metadata, old.PostInThread); err != nil {
		return nil, err
	}
	if old.Kind == KindOneOff && !old.At().After(r.engine.now()) {
		return nil, fmt.Errorf("%w: %s", ErrInThePast, old.Pattern)
	}

	r.engine.Disarm(cur.handle)
	delete(r.entries, id)
	job, err := r.createLocked(ctx, id, old.Owner, old.Room, old.Pattern, newMessage, old.Metadata, old.PostInThread)
	if err != nil {
		// Restore the previous arming; validation above makes this a
		// persistence failure path only.
		if handle, armErr := r.engine.Arm(old); armErr == nil {
			r.entries[id] = &entry{job: old, handle: handle}
		} else {
			// The old instant crossed "now" mid-update. Purge the record so
			// the store never holds a job nothing will fire.
			r.log.Warn("job dropped during failed update",
				logx.String("job", id), logx.Err(armErr))
			if delErr := r.store.Delete(ctx, r.ns, id); delErr != nil {
				r.log.Warn("dropped job delete failed",
					logx.String("job", id), logx.Err(delErr))
			}
		}
		return nil, err
	}
	return job, nil
}

// Sync rebuilds the registry from the store: every persisted record not
// already live is deserialized and armed. Corrupt records are skipped with a
// warning. Idempotent — ids already live are left untouched, so running Sync
// twice never double-arms.
func (r *Registry) Sync(ctx context.Context) error {
	records, err := r.store.Get(ctx, r.ns)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(records))
	for id := range records {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return idLess(ids[i], ids[j]) })

	armed := 0
	for _, id := range ids {
		if _, live := r.entries[id]; live {
			continue
		}
		job, err := DeserializeJob(id, records[id])
		if err != nil {
			r.log.Warn("skipping corrupt record", logx.String("job", id), logx.Err(err))
			continue
		}
		handle, err := r.engine.Arm(job)
		if err != nil {
			// A one-off whose instant passed while the process was down.
			// Drop it rather than firing a restart storm.
			r.log.Warn("dropping stale job", logx.String("job", id), logx.Err(err))
			if delErr := r.store.Delete(ctx, r.ns, id); delErr != nil {
				r.log.Warn("stale job delete failed", logx.String("job", id), logx.Err(delErr))
			}
			continue
		}
		r.entries[id] = &entry{job: job, handle: handle}
		armed++
	}
	r.log.Info("sync complete", logx.Int("persisted", len(records)), logx.Int("armed", armed))
	return nil
}

// List returns jobs matching pred (nil matches all) in stable id order,
// numeric ids compared numerically.
func (r *Registry) List(pred func(*Job) bool) []*Job {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Job, 0, len(r.entries))
	for _, e := range r.entries {
		if pred == nil || pred(e.job) {
			out = append(out, e.job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return idLess(out[i].ID, out[j].ID) })
	return out
}

// Get returns the live job for id, if any.
func (r *Registry) Get(id string) (*Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return e.job, true
}

// JobFired implements Sink: swap in a new metadata value recording where the
// delivery landed and persist it best-effort. A persist failure is logged,
// not retried — the message is already out.
func (r *Registry) JobFired(ctx context.Context, job *Job, receipt Receipt) *Job {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[job.ID]
	if !ok {
		// Canceled while the delivery was in flight.
		return nil
	}

	md := e.job.Metadata
	if receipt.ThreadID != "" {
		md.ThreadID = receipt.ThreadID
	} else if e.job.PostInThread && md.ThreadID == "" {
		md.ThreadID = receipt.MessageID
	}
	if receipt.URL != "" {
		md.LastURL = receipt.URL
	}
	if md == e.job.Metadata {
		return e.job
	}

	updated := e.job.WithMetadata(md)
	e.job = updated
	if raw, err := updated.Serialize(); err == nil {
		if err := r.store.Set(ctx, r.ns, updated.ID, raw); err != nil {
			r.log.Warn("metadata persist failed", logx.String("job", updated.ID), logx.Err(err))
		}
	}
	return updated
}

// JobRetired implements Sink: a one-off fired, remove its registry entry and
// persisted record.
func (r *Registry) JobRetired(ctx context.Context, job *Job) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[job.ID]; !ok {
		return
	}
	delete(r.entries, job.ID)
	if err := r.store.Delete(ctx, r.ns, job.ID); err != nil {
		r.log.Warn("retire delete failed", logx.String("job", job.ID), logx.Err(err))
	}
	r.log.Info("job retired", logx.String("job", job.ID))
}

// freshIDLocked allocates a short numeric id unique among live jobs.
func (r *Registry) freshIDLocked() string {
	for {
		id := strconv.Itoa(rand.Intn(999999) + 1)
		if _, taken := r.entries[id]; !taken {
			return id
		}
	}
}

// idLess orders ids numerically when both are numeric, lexically otherwise.
func idLess(a, b string) bool {
	na, errA := strconv.Atoi(a)
	nb, errB := strconv.Atoi(b)
	if errA == nil && errB == nil {
		return na < nb
	}
	return a < b
}
