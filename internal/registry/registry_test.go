package registry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/bexchange/internal/action"
	"github.com/mattjoyce/bexchange/internal/connector"
	"github.com/mattjoyce/bexchange/internal/events"
	"github.com/mattjoyce/bexchange/internal/filter"
	"github.com/mattjoyce/bexchange/internal/log"
	"github.com/mattjoyce/bexchange/internal/meta"
	"github.com/mattjoyce/bexchange/internal/metrics"
	"github.com/mattjoyce/bexchange/internal/processor"
	"github.com/mattjoyce/bexchange/internal/stats"
	"github.com/mattjoyce/bexchange/internal/storage"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	os.Exit(m.Run())
}

type actionFunc func(ctx context.Context, item processor.Item) error

func (f actionFunc) Deliver(ctx context.Context, item processor.Item) error { return f(ctx, item) }

type fakeTransport struct {
	name string
	err  error
	sent atomic.Int32
}

func (f *fakeTransport) Name() string { return f.name }

func (f *fakeTransport) Send(context.Context, meta.Payload, *meta.Metadata) error {
	f.sent.Add(1)
	return f.err
}

func object(obj string) processor.Item {
	m := meta.New().
		Set("/what/object", meta.String(obj)).
		Set("/what/source", meta.String("NOD:sekkr")).
		Payload(meta.Payload{Data: []byte("HDF")}).
		MustBuild()
	return processor.Item{Metadata: m, Payload: m.Payload()}
}

func objectFilter(t *testing.T, obj string) filter.Filter {
	t.Helper()
	f, err := filter.NewAttribute("what/object", filter.EQ, meta.String(obj))
	require.NoError(t, err)
	return f
}

func newProcessor(t *testing.T, name string, f filter.Filter, a processor.Action) *processor.Processor {
	t.Helper()
	p, err := processor.New(processor.Config{Name: name, Filter: f, Active: true, Action: a})
	require.NoError(t, err)
	return p
}

func forwardOver(t *testing.T, name string, transports ...connector.Transport) processor.Action {
	t.Helper()
	conns := make([]*connector.Connector, len(transports))
	for i, tr := range transports {
		c, err := connector.New(connector.Config{
			Name:       tr.Name(),
			Transport:  tr,
			MaxRetries: 1,
			Backoff:    connector.Backoff{Kind: connector.BackoffFixed, Delay: time.Millisecond},
		})
		require.NoError(t, err)
		conns[i] = c
	}
	chain, err := connector.NewChain(conns...)
	require.NoError(t, err)
	a, err := action.NewForward(action.ForwardConfig{Processor: name, Chain: chain})
	require.NoError(t, err)
	return a
}

func started(t *testing.T, opts ...Option) *Registry {
	t.Helper()
	r := New(opts...)
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(func() { _ = r.Stop(context.Background()) })
	return r
}

func TestFailoverToBackupDelivers(t *testing.T) {
	down := &fakeTransport{name: "primary", err: errors.New("connection refused")}
	up := &fakeTransport{name: "backup"}

	r := started(t)
	require.NoError(t, r.Add(context.Background(), newProcessor(t, "P1", objectFilter(t, "PVOL"), forwardOver(t, "P1", down, up))))

	out, err := r.Dispatch(context.Background(), object("PVOL"))
	require.NoError(t, err)
	require.Equal(t, []Dispatched{{Processor: "P1", Outcome: processor.Delivered}}, out)

	assert.Equal(t, int32(2), down.sent.Load(), "primary retried once")
	assert.Equal(t, int32(1), up.sent.Load())

	st, err := r.StatisticsOf("P1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), st.OKCount)
	assert.Equal(t, uint64(0), st.ErrorCount)
	assert.False(t, st.LastOKTime.IsZero())
}

func TestAllConnectorsFailAggregatesReasons(t *testing.T) {
	a := &fakeTransport{name: "primary", err: errors.New("connection refused")}
	b := &fakeTransport{name: "backup", err: errors.New("disk full")}

	r := started(t)
	require.NoError(t, r.Add(context.Background(), newProcessor(t, "P1", objectFilter(t, "PVOL"), forwardOver(t, "P1", a, b))))

	out, err := r.Dispatch(context.Background(), object("PVOL"))
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, processor.Failed, out[0].Outcome)
	assert.Contains(t, out[0].Reason, "primary (2 attempts): connection refused")
	assert.Contains(t, out[0].Reason, "backup (2 attempts): disk full")

	st, err := r.StatisticsOf("P1")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), st.OKCount)
	assert.Equal(t, uint64(1), st.ErrorCount)
	assert.Equal(t, out[0].Reason, st.LastErrorReason)
}

func TestDispatchOrderAndNotMatched(t *testing.T) {
	ok := actionFunc(func(context.Context, processor.Item) error { return nil })

	r := started(t)
	for _, name := range []string{"c", "a", "b"} {
		obj := "PVOL"
		if name == "a" {
			obj = "SCAN"
		}
		require.NoError(t, r.Add(context.Background(), newProcessor(t, name, objectFilter(t, obj), ok)))
	}

	out, err := r.Dispatch(context.Background(), object("PVOL"))
	require.NoError(t, err)
	assert.Equal(t, []Dispatched{
		{Processor: "c", Outcome: processor.Delivered},
		{Processor: "a", Outcome: processor.NotMatched},
		{Processor: "b", Outcome: processor.Delivered},
	}, out)

	st := r.Statistics()
	assert.Equal(t, stats.Entry{}, st["a"], "not matched leaves statistics alone")
	assert.Equal(t, uint64(1), st["c"].OKCount)
}

func TestDisabledProcessorNotMatched(t *testing.T) {
	var calls atomic.Int32
	r := started(t)
	require.NoError(t, r.Add(context.Background(), newProcessor(t, "P1", nil, actionFunc(func(context.Context, processor.Item) error {
		calls.Add(1)
		return nil
	}))))
	require.NoError(t, r.SetActive("P1", false))

	out, err := r.Dispatch(context.Background(), object("PVOL"))
	require.NoError(t, err)
	assert.Equal(t, processor.NotMatched, out[0].Outcome)
	assert.Equal(t, int32(0), calls.Load())

	st, err := r.StatisticsOf("P1")
	require.NoError(t, err)
	assert.Equal(t, stats.Entry{}, st)

	require.NoError(t, r.SetActive("P1", true))
	out, err = r.Dispatch(context.Background(), object("PVOL"))
	require.NoError(t, err)
	assert.Equal(t, processor.Delivered, out[0].Outcome)
}

func TestSingleFlightUnderConcurrentDispatch(t *testing.T) {
	var inflight, overlaps atomic.Int32
	slow := actionFunc(func(context.Context, processor.Item) error {
		if inflight.Add(1) > 1 {
			overlaps.Add(1)
		}
		time.Sleep(2 * time.Millisecond)
		inflight.Add(-1)
		return nil
	})

	r := started(t)
	require.NoError(t, r.Add(context.Background(), newProcessor(t, "P1", nil, slow)))
	require.NoError(t, r.Add(context.Background(), newProcessor(t, "P2", nil, actionFunc(func(context.Context, processor.Item) error { return nil }))))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				_, err := r.Dispatch(context.Background(), object("PVOL"))
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(0), overlaps.Load())
	st, err := r.StatisticsOf("P1")
	require.NoError(t, err)
	assert.Equal(t, uint64(40), st.OKCount)
}

func TestProcessorsRunInParallel(t *testing.T) {
	gate := make(chan struct{})
	var arrived atomic.Int32
	wait := actionFunc(func(ctx context.Context, _ processor.Item) error {
		if arrived.Add(1) == 2 {
			close(gate)
		}
		select {
		case <-gate:
			return nil
		case <-time.After(2 * time.Second):
			return errors.New("processors did not overlap")
		}
	})

	r := started(t, WithMaxParallel(2))
	require.NoError(t, r.Add(context.Background(), newProcessor(t, "P1", nil, wait)))
	require.NoError(t, r.Add(context.Background(), newProcessor(t, "P2", nil, wait)))

	out, err := r.Dispatch(context.Background(), object("PVOL"))
	require.NoError(t, err)
	assert.Equal(t, processor.Delivered, out[0].Outcome)
	assert.Equal(t, processor.Delivered, out[1].Outcome)
}

func TestAdminOperations(t *testing.T) {
	ok := actionFunc(func(context.Context, processor.Item) error { return nil })
	r := started(t)

	require.NoError(t, r.Add(context.Background(), newProcessor(t, "P1", nil, ok)))
	err := r.Add(context.Background(), newProcessor(t, "P1", nil, ok))
	var dup *DuplicateNameError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "P1", dup.Name)

	p, err := r.Get("P1")
	require.NoError(t, err)
	assert.True(t, p.Running(), "added to a running registry starts the processor")

	_, err = r.Get("nope")
	assert.ErrorIs(t, err, ErrUnknownProcessor)
	assert.ErrorIs(t, r.SetActive("nope", true), ErrUnknownProcessor)
	assert.ErrorIs(t, r.Remove(context.Background(), "nope"), ErrUnknownProcessor)

	require.NoError(t, r.Add(context.Background(), newProcessor(t, "P2", nil, ok)))
	assert.Equal(t, 2, r.Len())

	require.NoError(t, r.Remove(context.Background(), "P1"))
	assert.False(t, p.Running())
	names := []string{}
	for _, p := range r.List() {
		names = append(names, p.Name())
	}
	assert.Equal(t, []string{"P2"}, names)
	_, ok2 := r.Statistics()["P1"]
	assert.False(t, ok2)
}

func TestDispatchToStoppedProcessorIsAnError(t *testing.T) {
	ok := actionFunc(func(context.Context, processor.Item) error { return nil })
	r := New()
	require.NoError(t, r.Add(context.Background(), newProcessor(t, "P1", nil, ok)))

	_, err := r.Dispatch(context.Background(), object("PVOL"))
	assert.ErrorIs(t, err, processor.ErrNotStarted)

	require.NoError(t, r.Start(context.Background()))
	require.NoError(t, r.Stop(context.Background()))
	_, err = r.Dispatch(context.Background(), object("PVOL"))
	assert.ErrorIs(t, err, processor.ErrStopped)
}

func TestStopDoesNotWaitPastStopTimeout(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	slow, err := processor.New(processor.Config{
		Name:        "slow",
		Active:      true,
		StopTimeout: 100 * time.Millisecond,
		Action: actionFunc(func(context.Context, processor.Item) error {
			close(entered)
			<-release
			return nil
		}),
	})
	require.NoError(t, err)

	r := New()
	require.NoError(t, r.Add(context.Background(), slow))
	require.NoError(t, r.Start(context.Background()))
	go func() { _, _ = r.Dispatch(context.Background(), object("PVOL")) }()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	begin := time.Now()
	err = r.Stop(ctx)
	assert.ErrorIs(t, err, processor.ErrDrainTimeout)
	assert.Less(t, time.Since(begin), time.Second)
	assert.False(t, slow.Running())
}

func TestStopWaitsForShortDelivery(t *testing.T) {
	entered := make(chan struct{})
	p := newProcessor(t, "quick", nil, actionFunc(func(context.Context, processor.Item) error {
		close(entered)
		time.Sleep(20 * time.Millisecond)
		return nil
	}))
	r := New()
	require.NoError(t, r.Add(context.Background(), p))
	require.NoError(t, r.Start(context.Background()))

	done := make(chan []Dispatched, 1)
	go func() {
		out, _ := r.Dispatch(context.Background(), object("PVOL"))
		done <- out
	}()
	<-entered

	require.NoError(t, r.Stop(context.Background()), "a completed item is not a drain timeout")
	out := <-done
	require.Len(t, out, 1)
	assert.Equal(t, processor.Delivered, out[0].Outcome)
}

func TestRemoveDuringDispatchIsNotMatched(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	first := newProcessor(t, "first", nil, actionFunc(func(context.Context, processor.Item) error {
		close(entered)
		<-release
		return nil
	}))
	second := newProcessor(t, "second", nil, actionFunc(func(context.Context, processor.Item) error { return nil }))
	r := started(t, WithMaxParallel(1))
	require.NoError(t, r.Add(context.Background(), first))
	require.NoError(t, r.Add(context.Background(), second))

	done := make(chan []Dispatched, 1)
	errs := make(chan error, 1)
	go func() {
		out, err := r.Dispatch(context.Background(), object("PVOL"))
		errs <- err
		done <- out
	}()
	<-entered
	require.NoError(t, r.Remove(context.Background(), "second"))
	close(release)

	require.NoError(t, <-errs)
	out := <-done
	require.Len(t, out, 2)
	assert.Equal(t, processor.Delivered, out[0].Outcome)
	assert.Equal(t, processor.NotMatched, out[1].Outcome)
}

func TestDeliveryPanicIsFailure(t *testing.T) {
	r := started(t)
	require.NoError(t, r.Add(context.Background(), newProcessor(t, "P1", nil, actionFunc(func(context.Context, processor.Item) error {
		panic("boom")
	}))))

	out, err := r.Dispatch(context.Background(), object("PVOL"))
	require.NoError(t, err)
	assert.Equal(t, processor.Failed, out[0].Outcome)
	assert.Equal(t, "panic: boom", out[0].Reason)
}

func TestAcceptsDuplicates(t *testing.T) {
	ok := actionFunc(func(context.Context, processor.Item) error { return nil })
	r := New()
	require.NoError(t, r.Add(context.Background(), newProcessor(t, "P1", nil, ok)))
	assert.False(t, r.AcceptsDuplicates())

	p, err := processor.New(processor.Config{Name: "P2", Active: true, Action: ok, AllowDuplicates: true})
	require.NoError(t, err)
	require.NoError(t, r.Add(context.Background(), p))
	assert.True(t, r.AcceptsDuplicates())

	require.NoError(t, r.SetActive("P2", false))
	assert.False(t, r.AcceptsDuplicates())
}

func TestQueuedCompletionUpdatesStatistics(t *testing.T) {
	hub := events.NewHub(32)
	r := New(WithEvents(hub), WithMetrics(metrics.New()))

	done := make(chan struct{}, 2)
	target := actionFunc(func(_ context.Context, item processor.Item) error {
		defer func() { done <- struct{}{} }()
		if string(item.Payload.Data) == "bad" {
			return errors.New("rejected by peer")
		}
		return nil
	})
	fw, err := action.NewForward(action.ForwardConfig{
		Processor: "P1",
		Target:    target,
		QueueSize: 4,
		Complete:  r.Complete,
	})
	require.NoError(t, err)
	require.NoError(t, r.Add(context.Background(), newProcessor(t, "P1", nil, fw)))
	require.NoError(t, r.Start(context.Background()))

	good := object("PVOL")
	bad := object("PVOL")
	bad.Payload = meta.Payload{Data: []byte("bad")}

	out, err := r.Dispatch(context.Background(), good)
	require.NoError(t, err)
	assert.Equal(t, processor.Queued, out[0].Outcome)
	_, err = r.Dispatch(context.Background(), bad)
	require.NoError(t, err)

	require.NoError(t, r.Stop(context.Background()))
	<-done
	<-done

	st, err := r.StatisticsOf("P1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), st.OKCount)
	assert.Equal(t, uint64(1), st.ErrorCount)
	assert.Equal(t, "rejected by peer", st.LastErrorReason)

	types := map[string]int{}
	for _, ev := range hub.SnapshotSince(0) {
		types[ev.Type]++
	}
	assert.Equal(t, 4, types[events.TypeDispatchOutcome], "two queued plus two completions")
	assert.Equal(t, 2, types[events.TypeDispatchCompleted])
}

func TestRecorderPersistsOutcomes(t *testing.T) {
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "bexchange.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store := stats.NewStore(db)

	r := started(t, WithRecorder(store))
	require.NoError(t, r.Add(context.Background(), newProcessor(t, "P1", objectFilter(t, "PVOL"),
		actionFunc(func(context.Context, processor.Item) error { return errors.New("nope") }))))

	_, err = r.Dispatch(context.Background(), object("PVOL"))
	require.NoError(t, err)
	_, err = r.Dispatch(context.Background(), object("SCAN"))
	require.NoError(t, err)

	recs, err := store.Recent(context.Background(), "P1", 10)
	require.NoError(t, err)
	require.Len(t, recs, 1, "not matched outcomes are not logged")
	assert.Equal(t, "failed", recs[0].Outcome)
	assert.Equal(t, "nope", recs[0].Reason)
	assert.NotEmpty(t, recs[0].DispatchID)

	sums, err := store.Summaries(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), sums["P1"].ErrorCount)
}
