package action

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattjoyce/bexchange/internal/naming"
	"github.com/mattjoyce/bexchange/internal/processor"
	"github.com/mattjoyce/bexchange/internal/storage"
)

// Store copies payloads into a directory under a name rendered from the
// metadata. Files appear atomically.
type Store struct {
	dir   string
	namer *naming.Namer
}

func NewStore(dir string, namer *naming.Namer) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("store action needs a directory")
	}
	if namer == nil {
		return nil, fmt.Errorf("store action needs a name template")
	}
	return &Store{dir: filepath.Clean(dir), namer: namer}, nil
}

func newStoreFromSpec(_ string, spec processor.ActionSpec, deps processor.Deps) (processor.Action, error) {
	n, err := deps.Namers.Resolve(spec.Template)
	if err != nil {
		return nil, fmt.Errorf("store action: %w", err)
	}
	return NewStore(spec.Dir, n)
}

func (s *Store) Dir() string { return s.dir }

// Start creates the target directory.
func (s *Store) Start(context.Context) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create store directory: %w", err)
	}
	return nil
}

// Deliver writes the payload. A rendered name escaping the directory is
// rejected.
func (s *Store) Deliver(ctx context.Context, item processor.Item) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	src, err := item.Payload.Open()
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer src.Close()

	if _, err := storage.WriteFile(s.dir, s.namer.Name(item.Metadata), src); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	return nil
}
