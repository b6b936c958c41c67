// Package registry holds the ordered set of processors and fans every
// submitted item out to them.
//
// Dispatch holds the read lock for its whole run, so Add, Remove and SetActive
// wait for in-flight dispatches to finish before changing the list. Processors
// run in parallel, bounded by MaxParallel, and each processor serializes its
// own calls.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/bexchange/internal/events"
	"github.com/mattjoyce/bexchange/internal/log"
	"github.com/mattjoyce/bexchange/internal/metrics"
	"github.com/mattjoyce/bexchange/internal/processor"
	"github.com/mattjoyce/bexchange/internal/stats"
)

// ErrUnknownProcessor is returned for admin operations on a name that is not
// registered.
var ErrUnknownProcessor = errors.New("unknown processor")

// DuplicateNameError is returned by Add when the name is already registered.
type DuplicateNameError struct {
	Name string
}

func (e *DuplicateNameError) Error() string {
	return fmt.Sprintf("processor %q is already registered", e.Name)
}

// Recorder persists outcomes. *stats.Store implements it.
type Recorder interface {
	Record(ctx context.Context, rec stats.Record) error
}

// Dispatched is the outcome of one processor for one item.
type Dispatched struct {
	Processor string            `json:"processor"`
	Outcome   processor.Outcome `json:"outcome"`
	Reason    string            `json:"reason,omitempty"`
}

type entry struct {
	proc  *processor.Processor
	stats *stats.Counter
}

// Registry is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries []*entry
	byName  map[string]*entry
	running bool

	maxParallel int
	events      events.Publisher
	metrics     *metrics.Metrics
	recorder    Recorder
	logger      *slog.Logger
	now         func() time.Time
}

type Option func(*Registry)

// WithMaxParallel bounds how many processors work on one item at once. Zero
// or less means one goroutine per processor.
func WithMaxParallel(n int) Option { return func(r *Registry) { r.maxParallel = n } }

func WithEvents(p events.Publisher) Option { return func(r *Registry) { r.events = p } }

func WithMetrics(m *metrics.Metrics) Option { return func(r *Registry) { r.metrics = m } }

// WithRecorder appends every outcome to a delivery log.
func WithRecorder(rec Recorder) Option { return func(r *Registry) { r.recorder = rec } }

func WithClock(now func() time.Time) Option { return func(r *Registry) { r.now = now } }

func New(opts ...Option) *Registry {
	r := &Registry{
		byName: make(map[string]*entry),
		logger: log.WithComponent("registry"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Add appends p. If the registry is running p is started first.
func (r *Registry) Add(ctx context.Context, p *processor.Processor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := p.Name()
	if _, exists := r.byName[name]; exists {
		return &DuplicateNameError{Name: name}
	}
	if r.running {
		if err := p.Start(ctx); err != nil {
			return err
		}
	}
	e := &entry{proc: p, stats: &stats.Counter{}}
	r.entries = append(r.entries, e)
	r.byName[name] = e
	r.updateActiveLocked()

	r.logger.Info("processor added", "processor", name, "active", p.Active())
	r.publish(events.TypeProcessorAdded, map[string]any{"processor": name, "active": p.Active()})
	return nil
}

// Remove unregisters the named processor and stops it.
func (r *Registry) Remove(ctx context.Context, name string) error {
	r.mu.Lock()
	e, ok := r.byName[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownProcessor, name)
	}
	delete(r.byName, name)
	for i, cur := range r.entries {
		if cur == e {
			r.entries = append(r.entries[:i:i], r.entries[i+1:]...)
			break
		}
	}
	r.updateActiveLocked()
	r.mu.Unlock()

	r.logger.Info("processor removed", "processor", name)
	r.publish(events.TypeProcessorRemoved, map[string]any{"processor": name})

	if err := e.proc.Stop(ctx); err != nil {
		r.logger.Warn("processor stop reported an error", "processor", name, "error", err)
		return err
	}
	return nil
}

// SetActive enables or disables the named processor. A disabled processor
// reports NotMatched for every item.
func (r *Registry) SetActive(name string, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byName[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProcessor, name)
	}
	e.proc.SetActive(active)
	r.updateActiveLocked()

	r.logger.Info("processor active changed", "processor", name, "active", active)
	r.publish(events.TypeProcessorActive, map[string]any{"processor": name, "active": active})
	return nil
}

func (r *Registry) Get(name string) (*processor.Processor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProcessor, name)
	}
	return e.proc, nil
}

// List returns the processors in registration order.
func (r *Registry) List() []*processor.Processor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*processor.Processor, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.proc
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Statistics returns a snapshot of every processor's counters.
func (r *Registry) Statistics() map[string]stats.Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]stats.Entry, len(r.entries))
	for _, e := range r.entries {
		out[e.proc.Name()] = e.stats.Snapshot()
	}
	return out
}

// StatisticsOf returns one processor's counters.
func (r *Registry) StatisticsOf(name string) (stats.Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byName[name]
	if !ok {
		return stats.Entry{}, fmt.Errorf("%w: %s", ErrUnknownProcessor, name)
	}
	return e.stats.Snapshot(), nil
}

// AcceptsDuplicates reports whether any active processor takes items that
// were seen before.
func (r *Registry) AcceptsDuplicates() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		if e.proc.Active() && e.proc.AllowsDuplicates() {
			return true
		}
	}
	return false
}

// Start starts every registered processor. Processors added later start on
// Add.
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if err := e.proc.Start(ctx); err != nil {
			return err
		}
	}
	r.running = true
	r.logger.Info("registry started", "processors", len(r.entries))
	return nil
}

// Stop stops every processor in parallel. Drain timeouts are reported in the
// joined error but do not prevent the other processors from stopping.
func (r *Registry) Stop(ctx context.Context) error {
	r.mu.Lock()
	r.running = false
	procs := make([]*processor.Processor, len(r.entries))
	for i, e := range r.entries {
		procs[i] = e.proc
	}
	r.mu.Unlock()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, p := range procs {
		wg.Add(1)
		go func(p *processor.Processor) {
			defer wg.Done()
			if err := p.Stop(ctx); err != nil {
				r.logger.Warn("processor stop reported an error", "processor", p.Name(), "error", err)
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(p)
	}
	wg.Wait()
	r.logger.Info("registry stopped", "processors", len(procs))
	return errors.Join(errs...)
}

// Dispatch offers item to every processor and returns one outcome per
// processor in registration order. Delivery failures are outcomes, not
// errors; an error means a processor was not running.
func (r *Registry) Dispatch(ctx context.Context, item processor.Item) ([]Dispatched, error) {
	if item.Metadata == nil {
		return nil, fmt.Errorf("dispatch: item has no metadata")
	}
	started := r.now()
	dispatchID := uuid.NewString()
	logger := r.logger.With("dispatch_id", dispatchID, "item", item.ID())

	// Actions run without the registry lock so Stop and Remove can bound
	// their wait on in-flight items.
	r.mu.RLock()
	entries := append([]*entry(nil), r.entries...)
	r.mu.RUnlock()

	out := make([]Dispatched, len(entries))
	var g errgroup.Group
	if r.maxParallel > 0 {
		g.SetLimit(r.maxParallel)
	}
	for i, e := range entries {
		g.Go(func() error {
			t0 := r.now()
			res, err := e.proc.Process(ctx, item)
			if errors.Is(err, processor.ErrStopped) && !r.registered(e) {
				// Removed after the snapshot was taken.
				out[i] = Dispatched{Processor: e.proc.Name(), Outcome: processor.NotMatched}
				return nil
			}
			if err != nil {
				return err
			}
			elapsed := r.now().Sub(t0)
			out[i] = Dispatched{Processor: e.proc.Name(), Outcome: res.Outcome, Reason: res.Reason}
			r.account(ctx, e, dispatchID, item, res, elapsed, logger)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("dispatch %s: %w", dispatchID, err)
	}

	r.metrics.ObserveDispatch(r.now().Sub(started))
	r.publish(events.TypeDispatchCompleted, map[string]any{
		"dispatch_id": dispatchID,
		"item":        item.ID(),
		"outcomes":    out,
	})
	return out, nil
}

// Complete records the final result of an item a processor's action queued.
// It is the processor.CompletionFunc handed to actions.
func (r *Registry) Complete(name string, item processor.Item, res processor.Result) {
	r.mu.RLock()
	e, ok := r.byName[name]
	r.mu.RUnlock()
	if !ok {
		r.logger.Debug("completion for unregistered processor", "processor", name, "item", item.ID())
		return
	}
	r.account(context.Background(), e, "", item, res, 0, r.logger.With("item", item.ID()))
}

func (r *Registry) account(ctx context.Context, e *entry, dispatchID string, item processor.Item, res processor.Result, elapsed time.Duration, logger *slog.Logger) {
	name := e.proc.Name()
	at := r.now()

	switch res.Outcome {
	case processor.Delivered:
		e.stats.RecordOK(at)
	case processor.Failed:
		e.stats.RecordError(at, res.Reason)
	case processor.NotMatched:
		r.metrics.ObserveOutcome(name, res.Outcome.String(), elapsed)
		return
	}

	r.metrics.ObserveOutcome(name, res.Outcome.String(), elapsed)
	if res.Outcome == processor.Failed {
		logger.Error("delivery failed", "processor", name, "outcome", res.Outcome.String(), "reason", res.Reason, "duration_ms", elapsed.Milliseconds())
	} else {
		logger.Info("item dispatched", "processor", name, "outcome", res.Outcome.String(), "duration_ms", elapsed.Milliseconds())
	}

	r.publish(events.TypeDispatchOutcome, map[string]any{
		"dispatch_id": dispatchID,
		"processor":   name,
		"item":        item.ID(),
		"outcome":     res.Outcome.String(),
		"reason":      res.Reason,
	})

	if r.recorder == nil {
		return
	}
	rec := stats.Record{
		DispatchID: dispatchID,
		Processor:  name,
		Outcome:    res.Outcome.String(),
		Reason:     res.Reason,
		ItemHash:   item.Metadata.Hash(),
		ItemID:     item.ID(),
		Origin:     item.Metadata.Origin(),
		Duration:   elapsed.Milliseconds(),
		CreatedAt:  at,
	}
	if err := r.recorder.Record(context.WithoutCancel(ctx), rec); err != nil {
		logger.Warn("failed to record delivery outcome", "processor", name, "error", err)
	}
}

func (r *Registry) registered(e *entry) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byName[e.proc.Name()] == e
}

func (r *Registry) publish(eventType string, data any) {
	if r.events != nil {
		r.events.Publish(eventType, data)
	}
}

func (r *Registry) updateActiveLocked() {
	n := 0
	for _, e := range r.entries {
		if e.proc.Active() {
			n++
		}
	}
	r.metrics.SetActiveProcessors(n)
}
