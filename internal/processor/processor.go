// Package processor binds a subscription filter to a delivery action.
//
// A processor runs at most one Process call at a time. Calls from concurrent
// dispatches queue on the processor's lock, so an action never sees two items
// at once and any ordering it relies on at the destination is preserved.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/bexchange/internal/filter"
	"github.com/mattjoyce/bexchange/internal/log"
	"github.com/mattjoyce/bexchange/internal/match"
	"github.com/mattjoyce/bexchange/internal/meta"
)

// DefaultStopTimeout bounds how long Stop waits for an in-flight item.
const DefaultStopTimeout = 10 * time.Second

var (
	// ErrStopped is returned by Process after Stop. Dispatching to a stopped
	// processor is a programming error, not a delivery failure.
	ErrStopped = errors.New("processor is stopped")
	// ErrNotStarted is returned by Process before Start.
	ErrNotStarted = errors.New("processor is not started")
	// ErrDrainTimeout is returned by Stop when the in-flight item did not finish
	// in time. The processor is stopped regardless.
	ErrDrainTimeout = errors.New("timed out waiting for in-flight item")
)

// Outcome is the per-processor result of one dispatch.
type Outcome int

const (
	NotMatched Outcome = iota
	Delivered
	Failed
	// Queued means the item matched and was accepted by an action that
	// delivers in the background. The final Delivered or Failed result is
	// reported later through the action's completion callback.
	Queued
)

func (o Outcome) String() string {
	switch o {
	case NotMatched:
		return "not_matched"
	case Delivered:
		return "delivered"
	case Failed:
		return "failed"
	case Queued:
		return "queued"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// Matched reports whether the filter selected the item.
func (o Outcome) Matched() bool { return o != NotMatched }

func (o Outcome) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

// Result is an Outcome plus the failure reason for Failed.
type Result struct {
	Outcome Outcome
	Reason  string
	Err     error
}

func Fail(err error) Result {
	return Result{Outcome: Failed, Reason: err.Error(), Err: err}
}

// Item is one exchanged product as seen by processors.
type Item struct {
	Metadata *meta.Metadata
	Payload  meta.Payload
	// Duplicate is set by ingestion when the same metadata hash was seen
	// recently.
	Duplicate bool
}

// ID is the log identity of the item.
func (it Item) ID() string {
	if it.Metadata == nil {
		return "undefined"
	}
	return it.Metadata.ID()
}

// Action does the work for a matched item.
type Action interface {
	Deliver(ctx context.Context, item Item) error
}

// Starter is implemented by actions that hold resources between items.
type Starter interface {
	Start(ctx context.Context) error
}

// Stopper is implemented by actions that must release resources or drain.
type Stopper interface {
	Stop(ctx context.Context) error
}

// Config describes one processor.
type Config struct {
	Name   string
	Filter filter.Filter
	Active bool
	Action Action
	// AllowedOrigins restricts matching to items received from these nodes.
	// Empty means any origin, including locally produced items.
	AllowedOrigins []string
	// AllowDuplicates lets recently seen items through again.
	AllowDuplicates bool
	Matcher         match.Matcher
	StopTimeout     time.Duration
}

type state int32

const (
	created state = iota
	started
	stopped
)

// Processor is one named subscription. Create it with New.
type Processor struct {
	name            string
	filter          filter.Filter
	action          Action
	origins         map[string]struct{}
	allowDuplicates bool
	matcher         match.Matcher
	stopTimeout     time.Duration
	logger          *slog.Logger

	active atomic.Bool

	lifeMu   sync.RWMutex
	state    state
	inflight sync.WaitGroup

	// run is held for the duration of one Process call.
	run sync.Mutex
}

func New(cfg Config) (*Processor, error) {
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		return nil, fmt.Errorf("processor name is empty")
	}
	if cfg.Action == nil {
		return nil, fmt.Errorf("processor %q: action is nil", name)
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	var origins map[string]struct{}
	for _, o := range cfg.AllowedOrigins {
		if o = strings.TrimSpace(o); o == "" {
			continue
		}
		if origins == nil {
			origins = make(map[string]struct{})
		}
		origins[o] = struct{}{}
	}
	p := &Processor{
		name:            name,
		filter:          cfg.Filter,
		action:          cfg.Action,
		origins:         origins,
		allowDuplicates: cfg.AllowDuplicates,
		matcher:         cfg.Matcher,
		stopTimeout:     cfg.StopTimeout,
		logger:          log.WithProcessor(name),
	}
	p.active.Store(cfg.Active)
	return p, nil
}

func (p *Processor) Name() string          { return p.name }
func (p *Processor) Filter() filter.Filter { return p.filter }
func (p *Processor) Action() Action        { return p.action }
func (p *Processor) Active() bool          { return p.active.Load() }
func (p *Processor) SetActive(active bool) { p.active.Store(active) }
func (p *Processor) AllowsDuplicates() bool {
	return p.allowDuplicates
}

// AllowedOrigins lists the accepted origin nodes, empty for any.
func (p *Processor) AllowedOrigins() []string {
	out := make([]string, 0, len(p.origins))
	for o := range p.origins {
		out = append(out, o)
	}
	return out
}

// Running reports whether the processor has been started and not stopped.
func (p *Processor) Running() bool {
	p.lifeMu.RLock()
	defer p.lifeMu.RUnlock()
	return p.state == started
}

// Start starts the action if it needs starting. Calling Start on a running
// processor does nothing; a stopped processor cannot be restarted.
func (p *Processor) Start(ctx context.Context) error {
	p.lifeMu.Lock()
	defer p.lifeMu.Unlock()
	switch p.state {
	case started:
		return nil
	case stopped:
		return ErrStopped
	}
	if s, ok := p.action.(Starter); ok {
		if err := s.Start(ctx); err != nil {
			return fmt.Errorf("start processor %q: %w", p.name, err)
		}
	}
	p.state = started
	p.logger.Debug("processor started", "active", p.Active(), "filter", filter.Text(p.filter))
	return nil
}

// Stop refuses new items and waits up to the stop timeout for the in-flight
// one. On timeout it returns ErrDrainTimeout and abandons the item. Stop is
// idempotent.
func (p *Processor) Stop(ctx context.Context) error {
	p.lifeMu.Lock()
	if p.state == stopped {
		p.lifeMu.Unlock()
		return nil
	}
	wasStarted := p.state == started
	p.state = stopped
	p.lifeMu.Unlock()

	if !wasStarted {
		return nil
	}

	drained := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(drained)
	}()

	timer := time.NewTimer(p.stopTimeout)
	defer timer.Stop()

	var drainErr error
	select {
	case <-drained:
	case <-timer.C:
		drainErr = ErrDrainTimeout
	case <-ctx.Done():
		drainErr = ErrDrainTimeout
	}
	if drainErr != nil {
		p.logger.Warn("abandoning in-flight item on stop", "timeout", p.stopTimeout.String())
	}

	if s, ok := p.action.(Stopper); ok {
		if err := s.Stop(ctx); err != nil {
			return errors.Join(drainErr, fmt.Errorf("stop processor %q: %w", p.name, err))
		}
	}
	p.logger.Debug("processor stopped")
	return drainErr
}

// Accepts reports whether the item would reach the action: the processor is
// active, the origin is allowed, duplicates are permitted when the item is one
// and the filter matches.
func (p *Processor) Accepts(item Item) bool {
	if !p.Active() {
		return false
	}
	if len(p.origins) > 0 {
		origin := ""
		if item.Metadata != nil {
			origin = item.Metadata.Origin()
		}
		if _, ok := p.origins[origin]; !ok {
			return false
		}
	}
	if item.Duplicate && !p.allowDuplicates {
		return false
	}
	return p.matcher.Match(p.filter, item.Metadata)
}

// Process runs the action for a matching item. Action errors and panics come
// back as a Failed result; the error return is reserved for calling a
// processor that is not running.
func (p *Processor) Process(ctx context.Context, item Item) (Result, error) {
	p.lifeMu.RLock()
	switch p.state {
	case created:
		p.lifeMu.RUnlock()
		return Result{}, fmt.Errorf("%s: %w", p.name, ErrNotStarted)
	case stopped:
		p.lifeMu.RUnlock()
		return Result{}, fmt.Errorf("%s: %w", p.name, ErrStopped)
	}
	p.inflight.Add(1)
	p.lifeMu.RUnlock()
	defer p.inflight.Done()

	if !p.Accepts(item) {
		return Result{Outcome: NotMatched}, nil
	}

	p.run.Lock()
	defer p.run.Unlock()

	if err := p.deliver(ctx, item); err != nil {
		if errors.Is(err, ErrQueued) {
			return Result{Outcome: Queued}, nil
		}
		return Fail(err), nil
	}
	return Result{Outcome: Delivered}, nil
}

func (p *Processor) deliver(ctx context.Context, item Item) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("action panicked", "item", item.ID(), "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return p.action.Deliver(ctx, item)
}

// ErrQueued is returned by actions that accepted the item for background
// delivery. Process reports it as Queued.
var ErrQueued = errors.New("item queued for delivery")
