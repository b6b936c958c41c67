package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mattjoyce/bexchange/internal/connector"
	"github.com/mattjoyce/bexchange/internal/meta"
	"github.com/mattjoyce/bexchange/internal/naming"
	"github.com/mattjoyce/bexchange/internal/storage"
)

// File writes items into a directory, typically a spool another process
// picks up or a last resort backup at the end of a chain.
type File struct {
	dir   string
	namer *naming.Namer
}

func NewFile(dir string, namer *naming.Namer) (*File, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("file transport needs a directory")
	}
	if namer == nil {
		return nil, fmt.Errorf("file transport needs a name template")
	}
	return &File{dir: dir, namer: namer}, nil
}

func newFileFromSpec(_ string, spec Spec, deps Deps) (connector.Transport, error) {
	if deps.Namers == nil {
		return nil, fmt.Errorf("file transport needs name templates")
	}
	n, err := deps.Namers.Resolve(spec.Template)
	if err != nil {
		return nil, fmt.Errorf("file transport: %w", err)
	}
	return NewFile(spec.Dir, n)
}

func (f *File) Name() string { return TypeFile }

// Send writes one payload. Bad names and unreadable payloads are permanent;
// filesystem errors are retried.
func (f *File) Send(ctx context.Context, payload meta.Payload, m *meta.Metadata) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	src, err := payload.Open()
	if err != nil {
		return connector.Permanent(err)
	}
	defer src.Close()

	name := f.namer.Name(m)
	if strings.TrimSpace(name) == "" {
		return connector.Permanent(fmt.Errorf("file transport: empty name"))
	}
	if _, err := storage.WriteFile(f.dir, name, src); err != nil {
		if errors.Is(err, storage.ErrUnsafeName) {
			return connector.Permanent(err)
		}
		return err
	}
	return nil
}
