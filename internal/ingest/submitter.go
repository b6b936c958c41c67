// Package ingest is the entry point for new items: it suppresses recently
// seen duplicates, hands items to the registry and watches an inbox directory
// for metadata documents.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/mattjoyce/bexchange/internal/events"
	"github.com/mattjoyce/bexchange/internal/log"
	"github.com/mattjoyce/bexchange/internal/metrics"
	"github.com/mattjoyce/bexchange/internal/processor"
	"github.com/mattjoyce/bexchange/internal/registry"
)

// DefaultWindow is the number of recent metadata hashes remembered.
const DefaultWindow = 500

// ErrDuplicate is returned when an item was seen recently and no active
// processor accepts duplicates.
var ErrDuplicate = errors.New("duplicate item")

// Policy decides what happens to recently seen items.
type Policy string

const (
	// PolicyReject flags duplicates so only processors allowing them run, and
	// refuses the item when there are none.
	PolicyReject Policy = "reject"
	// PolicyAllow dispatches duplicates like new items.
	PolicyAllow Policy = "allow"
)

// Dispatcher is the part of the registry ingestion needs.
type Dispatcher interface {
	Dispatch(ctx context.Context, item processor.Item) ([]registry.Dispatched, error)
	AcceptsDuplicates() bool
}

type Config struct {
	Window int
	Policy Policy
	// Timeout bounds one dispatch. Zero means the caller's context decides.
	Timeout time.Duration
	Events  events.Publisher
	Metrics *metrics.Metrics
}

// Submitter is safe for concurrent use.
type Submitter struct {
	dispatcher Dispatcher
	recent     *lru.Cache[string, time.Time]
	policy     Policy
	timeout    time.Duration
	events     events.Publisher
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

func NewSubmitter(d Dispatcher, cfg Config) (*Submitter, error) {
	if d == nil {
		return nil, fmt.Errorf("submitter needs a dispatcher")
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	switch cfg.Policy {
	case "":
		cfg.Policy = PolicyReject
	case PolicyReject, PolicyAllow:
	default:
		return nil, fmt.Errorf("unknown duplicate policy %q", cfg.Policy)
	}
	recent, err := lru.New[string, time.Time](cfg.Window)
	if err != nil {
		return nil, fmt.Errorf("create duplicate window: %w", err)
	}
	return &Submitter{
		dispatcher: d,
		recent:     recent,
		policy:     cfg.Policy,
		timeout:    cfg.Timeout,
		events:     cfg.Events,
		metrics:    cfg.Metrics,
		logger:     log.WithComponent("ingest"),
	}, nil
}

// Submit dispatches one item and returns the per-processor outcomes.
func (s *Submitter) Submit(ctx context.Context, item processor.Item) ([]registry.Dispatched, error) {
	if item.Metadata == nil {
		s.metrics.ObserveSubmission("invalid")
		return nil, fmt.Errorf("submit: item has no metadata")
	}
	if item.Payload.IsZero() {
		item.Payload = item.Metadata.Payload()
	}

	id := item.ID()
	seen, _ := s.recent.ContainsOrAdd(item.Metadata.Hash(), time.Now())
	if seen && s.policy == PolicyReject {
		item.Duplicate = true
		if !s.dispatcher.AcceptsDuplicates() {
			s.logger.Info("duplicate item rejected", "item", id, "origin", item.Metadata.Origin())
			s.metrics.ObserveSubmission("duplicate")
			s.publish(events.TypeItemDuplicate, map[string]any{"item": id, "origin": item.Metadata.Origin()})
			return nil, fmt.Errorf("%s: %w", id, ErrDuplicate)
		}
	}

	s.logger.Debug("item received", "item", id, "origin", item.Metadata.Origin(), "duplicate", item.Duplicate)
	s.publish(events.TypeItemReceived, map[string]any{"item": id, "origin": item.Metadata.Origin(), "duplicate": item.Duplicate})

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	out, err := s.dispatcher.Dispatch(ctx, item)
	if err != nil {
		s.metrics.ObserveSubmission("error")
		s.publish(events.TypeItemRejected, map[string]any{"item": id, "error": err.Error()})
		return nil, err
	}
	s.metrics.ObserveSubmission("accepted")
	return out, nil
}

// Forget drops hash from the duplicate window.
func (s *Submitter) Forget(hash string) {
	s.recent.Remove(hash)
}

func (s *Submitter) publish(eventType string, data any) {
	if s.events != nil {
		s.events.Publish(eventType, data)
	}
}
