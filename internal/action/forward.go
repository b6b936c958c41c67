// Package action provides the built-in processor actions: forward, which
// sends items over a connector chain, and store, which files payloads into a
// local directory.
package action

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mattjoyce/bexchange/internal/connector"
	"github.com/mattjoyce/bexchange/internal/log"
	"github.com/mattjoyce/bexchange/internal/processor"
)

const (
	TypeForward = "forward"
	TypeStore   = "store"
)

// ErrBackpressure is returned when a forward queue is full. The item is
// rejected, not dropped: the processor reports it as a failure.
var ErrBackpressure = errors.New("backpressure: delivery queue is full")

func init() {
	processor.RegisterAction(TypeForward, newForwardFromSpec)
	processor.RegisterAction(TypeStore, newStoreFromSpec)
}

// Deliverer is the part of a connector chain the forward action uses.
type Deliverer interface {
	Deliver(ctx context.Context, item processor.Item) error
}

type chainDeliverer struct{ chain *connector.Chain }

func (c chainDeliverer) Deliver(ctx context.Context, item processor.Item) error {
	return c.chain.Deliver(ctx, item.Payload, item.Metadata)
}

// Forward delivers matched items through a connector chain. With a queue it
// accepts items into a bounded buffer drained by a single worker, so items
// still reach the chain one at a time and in order.
type Forward struct {
	name     string
	target   Deliverer
	chain    *connector.Chain
	complete processor.CompletionFunc
	logger   *slog.Logger

	queueSize int
	queue     chan processor.Item
	wg        sync.WaitGroup
	cancel    context.CancelFunc

	mu      sync.RWMutex
	running bool
}

// ForwardConfig configures NewForward.
type ForwardConfig struct {
	Processor string
	Chain     *connector.Chain
	// Target replaces the chain as the delivery target when set.
	Target Deliverer
	// QueueSize > 0 enables background delivery.
	QueueSize int
	Complete  processor.CompletionFunc
}

func NewForward(cfg ForwardConfig) (*Forward, error) {
	target := cfg.Target
	if target == nil {
		if cfg.Chain == nil {
			return nil, fmt.Errorf("forward action needs a connector chain")
		}
		target = chainDeliverer{chain: cfg.Chain}
	}
	if cfg.QueueSize < 0 {
		return nil, fmt.Errorf("forward action queue_size must be >= 0")
	}
	return &Forward{
		name:      cfg.Processor,
		target:    target,
		chain:     cfg.Chain,
		complete:  cfg.Complete,
		queueSize: cfg.QueueSize,
		logger:    log.WithProcessor(cfg.Processor).With("action", TypeForward),
	}, nil
}

func newForwardFromSpec(name string, spec processor.ActionSpec, deps processor.Deps) (processor.Action, error) {
	if len(spec.Chain) == 0 {
		return nil, fmt.Errorf("forward action needs at least one connector")
	}
	conns := make([]*connector.Connector, 0, len(spec.Chain))
	for _, cn := range spec.Chain {
		c, ok := deps.Connectors[cn]
		if !ok {
			return nil, fmt.Errorf("forward action references unknown connector %q", cn)
		}
		conns = append(conns, c)
	}
	chain, err := connector.NewChain(conns...)
	if err != nil {
		return nil, err
	}
	return NewForward(ForwardConfig{
		Processor: name,
		Chain:     chain,
		QueueSize: spec.QueueSize,
		Complete:  deps.Complete,
	})
}

// Chain returns the connector chain, for health reporting.
func (f *Forward) Chain() *connector.Chain { return f.chain }

// Queued reports whether items are delivered in the background.
func (f *Forward) Queued() bool { return f.queueSize > 0 }

// Start launches the queue worker when the action is queued.
func (f *Forward) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running || f.queueSize == 0 {
		f.running = true
		return nil
	}
	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	f.cancel = cancel
	f.queue = make(chan processor.Item, f.queueSize)
	f.running = true
	f.wg.Add(1)
	go f.work(wctx)
	return nil
}

// Stop closes the queue and waits for the worker to drain it, or for ctx to
// end, whichever comes first. Items left in the queue on cancellation are
// reported as failed.
func (f *Forward) Stop(ctx context.Context) error {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return nil
	}
	f.running = false
	q := f.queue
	f.mu.Unlock()

	if q == nil {
		return nil
	}
	close(q)

	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		f.cancel()
		return nil
	case <-ctx.Done():
		f.cancel()
		<-done
		return fmt.Errorf("forward queue did not drain: %w", ctx.Err())
	}
}

// Deliver sends inline, or enqueues and returns processor.ErrQueued.
func (f *Forward) Deliver(ctx context.Context, item processor.Item) error {
	if f.queueSize == 0 {
		return f.target.Deliver(ctx, item)
	}

	f.mu.RLock()
	defer f.mu.RUnlock()
	if !f.running || f.queue == nil {
		return fmt.Errorf("forward action is not running")
	}
	select {
	case f.queue <- item:
		return processor.ErrQueued
	default:
		f.logger.Warn("delivery queue full, rejecting item", "item", item.ID(), "queue_size", f.queueSize)
		return ErrBackpressure
	}
}

func (f *Forward) work(ctx context.Context) {
	defer f.wg.Done()
	for item := range f.queue {
		var res processor.Result
		if err := ctx.Err(); err != nil {
			res = processor.Fail(fmt.Errorf("abandoned on shutdown: %w", err))
		} else if err := f.target.Deliver(ctx, item); err != nil {
			res = processor.Fail(err)
		} else {
			res = processor.Result{Outcome: processor.Delivered}
		}
		if res.Outcome == processor.Failed {
			f.logger.Error("queued delivery failed", "item", item.ID(), "error", res.Reason)
		}
		if f.complete != nil {
			f.complete(f.name, item, res)
		}
	}
}
