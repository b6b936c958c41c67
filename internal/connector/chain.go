package connector

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mattjoyce/bexchange/internal/log"
	"github.com/mattjoyce/bexchange/internal/meta"
)

// AttemptError is the final failure of one connector in a chain.
type AttemptError struct {
	Connector string
	Attempts  int
	Permanent bool
	Err       error
}

func (e AttemptError) Error() string {
	unit := "attempts"
	if e.Attempts == 1 {
		unit = "attempt"
	}
	kind := ""
	if e.Permanent {
		kind = ", permanent"
	}
	return fmt.Sprintf("%s (%d %s%s): %v", e.Connector, e.Attempts, unit, kind, e.Err)
}

func (e AttemptError) Unwrap() error { return e.Err }

// ExhaustedError is returned when no connector in the chain delivered. The
// failures are listed in chain order.
type ExhaustedError struct {
	Attempts []AttemptError
}

func (e *ExhaustedError) Error() string {
	parts := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		parts[i] = a.Error()
	}
	return "all connectors failed: " + strings.Join(parts, "; ")
}

func (e *ExhaustedError) Unwrap() []error {
	out := make([]error, len(e.Attempts))
	for i, a := range e.Attempts {
		out[i] = a
	}
	return out
}

// Chain is an ordered primary/backup list of connectors.
type Chain struct {
	connectors []*Connector
	logger     *slog.Logger
}

// NewChain builds a chain. The same connector may not appear twice.
func NewChain(connectors ...*Connector) (*Chain, error) {
	if len(connectors) == 0 {
		return nil, fmt.Errorf("connector chain is empty")
	}
	seen := make(map[string]bool, len(connectors))
	for i, c := range connectors {
		if c == nil {
			return nil, fmt.Errorf("connector chain[%d] is nil", i)
		}
		if seen[c.name] {
			return nil, fmt.Errorf("connector %q appears twice in chain", c.name)
		}
		seen[c.name] = true
	}
	return &Chain{
		connectors: append([]*Connector(nil), connectors...),
		logger:     log.WithComponent("connector"),
	}, nil
}

// Names lists the connectors in priority order.
func (ch *Chain) Names() []string {
	out := make([]string, len(ch.connectors))
	for i, c := range ch.connectors {
		out[i] = c.name
	}
	return out
}

// Health returns a snapshot per connector in priority order.
func (ch *Chain) Health() []Health {
	out := make([]Health, len(ch.connectors))
	for i, c := range ch.connectors {
		out[i] = c.Health()
	}
	return out
}

// Budget is the longest Deliver can block.
func (ch *Chain) Budget() time.Duration {
	var total time.Duration
	for _, c := range ch.connectors {
		total += c.Budget()
	}
	return total
}

// Deliver walks the chain until one connector succeeds. When every connector
// fails it returns an *ExhaustedError carrying each connector's last error.
// A cancelled context stops the walk early.
func (ch *Chain) Deliver(ctx context.Context, payload meta.Payload, m *meta.Metadata) error {
	item := ""
	if m != nil {
		item = m.ID()
	}
	var failures []AttemptError
	for i, c := range ch.connectors {
		attempts, permanent, err := c.deliver(ctx, payload, m)
		if err == nil {
			if i > 0 {
				ch.logger.Info("delivered via backup connector", "connector", c.name, "position", i, "item", item)
			} else {
				ch.logger.Debug("delivered", "connector", c.name, "attempts", attempts, "item", item)
			}
			return nil
		}
		failures = append(failures, AttemptError{Connector: c.name, Attempts: attempts, Permanent: permanent, Err: err})

		if ctx.Err() != nil {
			break
		}
		if i+1 < len(ch.connectors) {
			ch.logger.Warn("connector exhausted, failing over",
				"connector", c.name,
				"next", ch.connectors[i+1].name,
				"attempts", attempts,
				"item", item,
				"error", err,
			)
		}
	}
	exhausted := &ExhaustedError{Attempts: failures}
	ch.logger.Error("delivery failed on every connector", "item", item, "error", exhausted.Error())
	return exhausted
}
