// Package connector delivers an item over an ordered chain of transports. The
// first connector in a chain is the primary; the rest are backups tried in
// order once the previous one has used up its retries. Exactly one successful
// send ends a delivery.
package connector

//go:generate mockgen -destination=mocks/mock_transport.go -package=mocks github.com/mattjoyce/bexchange/internal/connector Transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/mattjoyce/bexchange/internal/log"
	"github.com/mattjoyce/bexchange/internal/meta"
)

// Transport sends one item to one destination. Errors are retried unless they
// are wrapped with Permanent.
type Transport interface {
	Name() string
	Send(ctx context.Context, payload meta.Payload, m *meta.Metadata) error
}

// Permanent marks a transport error as not worth retrying, e.g. a malformed
// destination or a rejected signature.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *backoff.PermanentError
	return errors.As(err, &p)
}

type BackoffKind string

const (
	BackoffFixed  BackoffKind = "fixed"
	BackoffLinear BackoffKind = "linear"
)

// Backoff is the wait between retries of the same connector. Fixed waits Delay
// every time; linear waits Delay, 2*Delay, 3*Delay and so on.
type Backoff struct {
	Kind  BackoffKind
	Delay time.Duration
}

func (b Backoff) policy() backoff.BackOff {
	if b.Kind == BackoffLinear {
		return &linearBackOff{step: b.Delay}
	}
	return backoff.NewConstantBackOff(b.Delay)
}

type linearBackOff struct {
	step time.Duration
	n    int64
}

func (l *linearBackOff) NextBackOff() time.Duration {
	l.n++
	return time.Duration(l.n) * l.step
}

func (l *linearBackOff) Reset() { l.n = 0 }

// AttemptObserver is told about every send attempt; result is "ok" or "error".
type AttemptObserver func(connector, result string, elapsed time.Duration)

// Config describes one connector.
type Config struct {
	Name       string
	Transport  Transport
	MaxRetries int
	Backoff    Backoff
	// Timeout bounds a single send attempt. Zero means no bound.
	Timeout  time.Duration
	Observer AttemptObserver
}

// Connector is a transport with its retry policy and health counters. One
// connector may appear in several chains; its health is shared between them.
type Connector struct {
	name       string
	transport  Transport
	maxRetries int
	backoff    Backoff
	timeout    time.Duration
	observer   AttemptObserver
	logger     *slog.Logger

	mu     sync.Mutex
	health Health
}

// Health is a snapshot of a connector's runtime counters.
type Health struct {
	Name                string    `json:"name"`
	Attempts            uint64    `json:"attempts"`
	Failures            uint64    `json:"failures"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
	LastOK              time.Time `json:"last_ok"`
	LastFailure         time.Time `json:"last_failure"`
}

// New validates cfg and returns a connector.
func New(cfg Config) (*Connector, error) {
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		return nil, fmt.Errorf("connector name is empty")
	}
	if cfg.Transport == nil {
		return nil, fmt.Errorf("connector %q: transport is nil", name)
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("connector %q: max_retries must be >= 0", name)
	}
	if cfg.Backoff.Delay < 0 {
		return nil, fmt.Errorf("connector %q: backoff delay must be >= 0", name)
	}
	switch cfg.Backoff.Kind {
	case "":
		cfg.Backoff.Kind = BackoffFixed
	case BackoffFixed, BackoffLinear:
	default:
		return nil, fmt.Errorf("connector %q: unknown backoff kind %q", name, cfg.Backoff.Kind)
	}
	if cfg.Timeout < 0 {
		return nil, fmt.Errorf("connector %q: timeout must be >= 0", name)
	}
	return &Connector{
		name:       name,
		transport:  cfg.Transport,
		maxRetries: cfg.MaxRetries,
		backoff:    cfg.Backoff,
		timeout:    cfg.Timeout,
		observer:   cfg.Observer,
		logger:     log.WithConnector(name).With("transport", cfg.Transport.Name()),
		health:     Health{Name: name},
	}, nil
}

func (c *Connector) Name() string { return c.name }

// Budget is the longest a delivery through this connector can block:
// timeout*(retries+1) plus the waits in between.
func (c *Connector) Budget() time.Duration {
	total := c.timeout * time.Duration(c.maxRetries+1)
	b := c.backoff.policy()
	for i := 0; i < c.maxRetries; i++ {
		total += b.NextBackOff()
	}
	return total
}

// Health returns a copy of the connector's counters.
func (c *Connector) Health() Health {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.health
}

// deliver sends with retries. It returns the number of attempts made, whether
// the last failure was permanent and the last error, or nil on success.
func (c *Connector) deliver(ctx context.Context, payload meta.Payload, m *meta.Metadata) (int, bool, error) {
	attempts := 0
	permanent := false

	op := func() error {
		attempts++
		err := c.sendOnce(ctx, payload, m)
		if err != nil && IsPermanent(err) {
			permanent = true
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Debug("send attempt failed, retrying", "attempt", attempts, "wait_ms", wait.Milliseconds(), "error", err)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(c.backoff.policy(), uint64(c.maxRetries)), ctx)
	err := backoff.RetryNotify(op, policy, notify)
	return attempts, permanent, err
}

func (c *Connector) sendOnce(ctx context.Context, payload meta.Payload, m *meta.Metadata) error {
	attemptCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	start := time.Now()
	err := c.transport.Send(attemptCtx, payload, m)
	elapsed := time.Since(start)
	c.record(err, elapsed)
	return err
}

func (c *Connector) record(err error, elapsed time.Duration) {
	now := time.Now().UTC()
	c.mu.Lock()
	c.health.Attempts++
	if err == nil {
		c.health.ConsecutiveFailures = 0
		c.health.LastOK = now
	} else {
		c.health.Failures++
		c.health.ConsecutiveFailures++
		c.health.LastError = err.Error()
		c.health.LastFailure = now
	}
	c.mu.Unlock()

	if c.observer != nil {
		result := "ok"
		if err != nil {
			result = "error"
		}
		c.observer(c.name, result, elapsed)
	}
}
