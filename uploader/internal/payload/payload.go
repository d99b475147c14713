// Package payload describes where the bytes of an upload come from.
//
// A Payload is one of File, Bytes, Content or Resource. Every payload has a
// compact URI form ("<scheme>://<body>") that survives a process restart and
// round-trips bit-for-bit through ToURI and FromURI.
package payload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
)

var (
	ErrNotFound    = errors.New("resource not found")
	ErrEmpty       = errors.New("payload is empty")
	ErrInvalidURI  = errors.New("invalid payload uri")
	ErrUnsupported = errors.New("unsupported payload scheme")
)

// ContentResolver opens content handles, e.g. objects in a bucket.
type ContentResolver interface {
	Open(ctx context.Context, uri string) (io.ReadCloser, int64, error)
	Size(ctx context.Context, uri string) (int64, error)
}

// Env is what a payload needs to materialize itself.
type Env struct {
	Content   ContentResolver
	Resources fs.FS
}

type Payload interface {
	Scheme() string
	// Prepare opens the payload for reading. The returned handle is
	// single-use; the caller closes it.
	Prepare(ctx context.Context, env Env) (io.ReadCloser, error)
	// Length returns the payload size in bytes.
	Length(ctx context.Context, env Env) (int64, error)

	body() string
}

// File is a path on the local filesystem.
type File struct {
	Path string
}

func (File) Scheme() string { return SchemeFile }

func (p File) body() string { return escape(p.Path) }

func (p File) Prepare(ctx context.Context, _ Env) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := p.stat(); err != nil {
		return nil, err
	}
	f, err := os.Open(p.Path)
	if err != nil {
		return nil, notFound(err, "open file %q", p.Path)
	}
	return f, nil
}

func (p File) Length(ctx context.Context, _ Env) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	info, err := p.stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (p File) stat() (os.FileInfo, error) {
	if p.Path == "" {
		return nil, fmt.Errorf("%w: empty file path", ErrNotFound)
	}
	info, err := os.Stat(p.Path)
	if err != nil {
		return nil, notFound(err, "stat file %q", p.Path)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %q is a directory", ErrNotFound, p.Path)
	}
	return info, nil
}

// Bytes is an in-memory payload.
type Bytes struct {
	Data []byte
}

func (Bytes) Scheme() string { return SchemeBytes }

func (p Bytes) body() string { return encodeBytes(p.Data) }

func (p Bytes) Prepare(ctx context.Context, _ Env) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(p.Data) == 0 {
		return nil, ErrEmpty
	}
	return io.NopCloser(bytes.NewReader(p.Data)), nil
}

func (p Bytes) Length(ctx context.Context, _ Env) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return int64(len(p.Data)), nil
}

// Content is a handle resolved through Env.Content.
type Content struct {
	URI string
}

func (Content) Scheme() string { return SchemeContent }

func (p Content) body() string { return escape(p.URI) }

func (p Content) Prepare(ctx context.Context, env Env) (io.ReadCloser, error) {
	if env.Content == nil {
		return nil, fmt.Errorf("%w: no content resolver for %q", ErrNotFound, p.URI)
	}
	rc, _, err := env.Content.Open(ctx, p.URI)
	if err != nil {
		return nil, notFound(err, "open content %q", p.URI)
	}
	return rc, nil
}

func (p Content) Length(ctx context.Context, env Env) (int64, error) {
	if env.Content == nil {
		return 0, fmt.Errorf("%w: no content resolver for %q", ErrNotFound, p.URI)
	}
	n, err := env.Content.Size(ctx, p.URI)
	if err != nil {
		return 0, notFound(err, "stat content %q", p.URI)
	}
	return n, nil
}

// Resource is a file bundled with the application, addressed by its path in
// Env.Resources.
type Resource struct {
	ID string
}

func (Resource) Scheme() string { return SchemeResource }

func (p Resource) body() string { return escape(p.ID) }

func (p Resource) Prepare(ctx context.Context, env Env) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if env.Resources == nil {
		return nil, fmt.Errorf("%w: no resource bundle for %q", ErrNotFound, p.ID)
	}
	f, err := env.Resources.Open(p.ID)
	if err != nil {
		return nil, notFound(err, "open resource %q", p.ID)
	}
	return f, nil
}

func (p Resource) Length(ctx context.Context, env Env) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if env.Resources == nil {
		return 0, fmt.Errorf("%w: no resource bundle for %q", ErrNotFound, p.ID)
	}
	info, err := fs.Stat(env.Resources, p.ID)
	if err != nil {
		return 0, notFound(err, "stat resource %q", p.ID)
	}
	return info.Size(), nil
}

// notFound keeps ErrNotFound in the chain for missing files and passes other
// errors through wrapped with context.
func notFound(err error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%s: %w: %w", msg, ErrNotFound, err)
	}
	return fmt.Errorf("%s: %w", msg, err)
}
