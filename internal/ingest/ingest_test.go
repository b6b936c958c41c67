package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/bexchange/internal/events"
	"github.com/mattjoyce/bexchange/internal/log"
	"github.com/mattjoyce/bexchange/internal/meta"
	"github.com/mattjoyce/bexchange/internal/processor"
	"github.com/mattjoyce/bexchange/internal/registry"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	os.Exit(m.Run())
}

type fakeDispatcher struct {
	mu         sync.Mutex
	items      []processor.Item
	duplicates bool
	err        error
}

func (f *fakeDispatcher) Dispatch(_ context.Context, item processor.Item) ([]registry.Dispatched, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.items = append(f.items, item)
	return []registry.Dispatched{{Processor: "P1", Outcome: processor.Delivered}}, nil
}

func (f *fakeDispatcher) AcceptsDuplicates() bool { return f.duplicates }

func (f *fakeDispatcher) received() []processor.Item {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]processor.Item(nil), f.items...)
}

func item(obj string) processor.Item {
	m := meta.New().
		Set("/what/object", meta.String(obj)).
		Set("/what/source", meta.String("NOD:sekkr")).
		Payload(meta.Payload{Data: []byte("HDF")}).
		MustBuild()
	return processor.Item{Metadata: m}
}

func TestSubmitRejectsDuplicates(t *testing.T) {
	d := &fakeDispatcher{}
	hub := events.NewHub(16)
	s, err := NewSubmitter(d, Config{Events: hub})
	require.NoError(t, err)

	out, err := s.Submit(context.Background(), item("PVOL"))
	require.NoError(t, err)
	assert.Equal(t, processor.Delivered, out[0].Outcome)

	_, err = s.Submit(context.Background(), item("PVOL"))
	assert.ErrorIs(t, err, ErrDuplicate)

	_, err = s.Submit(context.Background(), item("SCAN"))
	require.NoError(t, err)

	got := d.received()
	require.Len(t, got, 2)
	assert.Equal(t, "HDF", string(got[0].Payload.Data), "payload defaults to the metadata payload")
	assert.False(t, got[0].Duplicate)

	types := []string{}
	for _, ev := range hub.SnapshotSince(0) {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []string{events.TypeItemReceived, events.TypeItemDuplicate, events.TypeItemReceived}, types)
}

func TestSubmitFlagsDuplicatesWhenSomeoneAccepts(t *testing.T) {
	d := &fakeDispatcher{duplicates: true}
	s, err := NewSubmitter(d, Config{})
	require.NoError(t, err)

	_, err = s.Submit(context.Background(), item("PVOL"))
	require.NoError(t, err)
	_, err = s.Submit(context.Background(), item("PVOL"))
	require.NoError(t, err)

	got := d.received()
	require.Len(t, got, 2)
	assert.False(t, got[0].Duplicate)
	assert.True(t, got[1].Duplicate)
}

func TestSubmitAllowPolicy(t *testing.T) {
	d := &fakeDispatcher{}
	s, err := NewSubmitter(d, Config{Policy: PolicyAllow})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := s.Submit(context.Background(), item("PVOL"))
		require.NoError(t, err)
	}
	for _, it := range d.received() {
		assert.False(t, it.Duplicate)
	}
}

func TestSubmitWindowEvicts(t *testing.T) {
	d := &fakeDispatcher{}
	s, err := NewSubmitter(d, Config{Window: 1})
	require.NoError(t, err)

	_, err = s.Submit(context.Background(), item("PVOL"))
	require.NoError(t, err)
	_, err = s.Submit(context.Background(), item("SCAN"))
	require.NoError(t, err)
	_, err = s.Submit(context.Background(), item("PVOL"))
	assert.NoError(t, err, "PVOL fell out of a one item window")

	first := item("SCAN")
	s.Forget(first.Metadata.Hash())
	_, err = s.Submit(context.Background(), first)
	assert.NoError(t, err)
}

func TestSubmitErrors(t *testing.T) {
	d := &fakeDispatcher{err: errors.New("processor is stopped")}
	s, err := NewSubmitter(d, Config{})
	require.NoError(t, err)

	_, err = s.Submit(context.Background(), processor.Item{})
	assert.Error(t, err)
	_, err = s.Submit(context.Background(), item("PVOL"))
	assert.EqualError(t, err, "processor is stopped")

	_, err = NewSubmitter(d, Config{Policy: "maybe"})
	assert.Error(t, err)
	_, err = NewSubmitter(nil, Config{})
	assert.Error(t, err)
}

func TestIsDocument(t *testing.T) {
	assert.True(t, IsDocument("/in/a.json"))
	assert.True(t, IsDocument("a.YAML"))
	assert.False(t, IsDocument("a.h5"))
	assert.False(t, IsDocument(".a.json.swp"))
	assert.False(t, IsDocument(".hidden.json"))
}

func TestWatcherSubmitsDocuments(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pvol.h5"), []byte("HDF"), 0o644))
	// Present before the watcher starts.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "early.yaml"), []byte(`
origin: other
payload: pvol.h5
what: {object: PVOL, source: "NOD:sekkr", date: "20240131", time: "101500"}
`), 0o644))

	d := &fakeDispatcher{}
	s, err := NewSubmitter(d, Config{})
	require.NoError(t, err)
	w, err := NewWatcher(dir, s, 20*time.Millisecond)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	defer func() {
		cancel()
		assert.NoError(t, <-done)
	}()

	require.Eventually(t, func() bool { return len(d.received()) == 1 }, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "late.json"), []byte(`{"what": {"object": "SCAN", "source": "NOD:sekkr"}, "payload": "pvol.h5"}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.json"), []byte(`{"what": [`), 0o644))

	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(dir, failedDir, "broken.json"))
		return len(d.received()) == 2 && err == nil
	}, 3*time.Second, 10*time.Millisecond)

	got := d.received()
	assert.Equal(t, "other", got[0].Metadata.Origin())
	assert.Equal(t, filepath.Join(dir, "pvol.h5"), got[0].Payload.Path)
	v, ok := got[1].Metadata.Get("/what/object")
	require.True(t, ok)
	assert.Equal(t, "SCAN", v.Text())

	require.Eventually(t, func() bool {
		_, errEarly := os.Stat(filepath.Join(dir, "early.yaml"))
		_, errLate := os.Stat(filepath.Join(dir, "late.json"))
		return os.IsNotExist(errEarly) && os.IsNotExist(errLate)
	}, 3*time.Second, 10*time.Millisecond)
	_, err = os.Stat(filepath.Join(dir, "pvol.h5"))
	assert.NoError(t, err, "payload files stay")
}

func TestWatcherValidation(t *testing.T) {
	s, err := NewSubmitter(&fakeDispatcher{}, Config{})
	require.NoError(t, err)
	_, err = NewWatcher("", s, 0)
	assert.Error(t, err)
	_, err = NewWatcher(t.TempDir(), nil, 0)
	assert.Error(t, err)
}
