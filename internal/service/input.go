package service

import (
	"context"
	"os"
	"path/filepath"

	"github.com/raphaelgruber/mapnotebook/internal/decode"
	"github.com/raphaelgruber/mapnotebook/internal/models"
	"github.com/raphaelgruber/mapnotebook/internal/nspd"
)

// Input is one unit of work in a batch: an uploaded file or a registry lookup.
type Input interface {
	Name() string
	Size() int64
	Format() string
	Decode(ctx context.Context) (*models.GeometryRecord, error)
	// Cleanup releases temporary storage. It is safe to call more than once.
	Cleanup() error
}

// FileInput is an uploaded file kept in a temporary directory of its own,
// so the stored file keeps the upload's base name.
type FileInput struct {
	name     string
	path     string
	dir      string
	size     int64
	registry *decode.Registry
}

// NewUploadedFile describes name stored as dir/name. Cleanup removes dir.
func NewUploadedFile(registry *decode.Registry, name, dir string, size int64) *FileInput {
	return &FileInput{name: name, path: filepath.Join(dir, name), dir: dir, size: size, registry: registry}
}

func (f *FileInput) Name() string { return f.name }
func (f *FileInput) Size() int64  { return f.size }

func (f *FileInput) Format() string {
	if format, ok := f.registry.Lookup(f.name); ok {
		return format.Name
	}
	return "unsupported"
}

func (f *FileInput) Decode(ctx context.Context) (*models.GeometryRecord, error) {
	return f.registry.Decode(ctx, f.name, f.path)
}

func (f *FileInput) Cleanup() error {
	return os.RemoveAll(f.dir)
}

// RejectedInput is an upload refused before decoding, e.g. for its size.
// It always fails with its error so the batch reports it like any other file.
type RejectedInput struct {
	name string
	size int64
	err  error
}

// NewRejectedInput records name as failed with err.
func NewRejectedInput(name string, size int64, err error) *RejectedInput {
	return &RejectedInput{name: name, size: size, err: err}
}

func (r *RejectedInput) Name() string   { return r.name }
func (r *RejectedInput) Size() int64    { return r.size }
func (r *RejectedInput) Format() string { return "rejected" }
func (r *RejectedInput) Cleanup() error { return nil }

func (r *RejectedInput) Decode(context.Context) (*models.GeometryRecord, error) {
	return nil, r.err
}

// RegistryLookup resolves a registry number to geometry.
type RegistryLookup interface {
	Lookup(ctx context.Context, kind nspd.Kind, number string) (*models.GeometryRecord, error)
}

// LookupInput fetches an object from the cadastral registry.
type LookupInput struct {
	lookup RegistryLookup
	kind   nspd.Kind
	number string
}

// NewLookupInput describes a lookup of number in the layer of kind.
func NewLookupInput(lookup RegistryLookup, kind nspd.Kind, number string) *LookupInput {
	return &LookupInput{lookup: lookup, kind: kind, number: number}
}

func (l *LookupInput) Name() string   { return l.kind.Label(l.number) }
func (l *LookupInput) Size() int64    { return 0 }
func (l *LookupInput) Format() string { return "NSPD" }
func (l *LookupInput) Cleanup() error { return nil }

func (l *LookupInput) Decode(ctx context.Context) (*models.GeometryRecord, error) {
	return l.lookup.Lookup(ctx, l.kind, l.number)
}
