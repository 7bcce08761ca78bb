package storage

import (
	"bytes"
	"context"
	"io"
	"path"
	"strings"

	"github.com/klauspost/compress/zip"
	"github.com/pkg/errors"
)

// ArchiveEntry is one object copied into a dataset archive
type ArchiveEntry struct {
	Key  string // object key to read
	Name string // file name inside the archive
}

// Packager zips objects of the store into a single archive object
type Packager struct {
	store Store
}

// NewPackager creates a packager over store
func NewPackager(store Store) *Packager {
	return &Packager{store: store}
}

// Package writes entries into a zip stored at archiveKey and returns its size
func (p *Packager) Package(ctx context.Context, archiveKey string, entries []ArchiveEntry) (int64, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if err := p.copyEntry(ctx, zw, e); err != nil {
			return 0, err
		}
	}

	if err := zw.Close(); err != nil {
		return 0, errors.Wrap(err, "close archive")
	}

	size := int64(buf.Len())
	if err := p.store.Put(ctx, archiveKey, &buf, size, "application/zip"); err != nil {
		return 0, errors.Wrap(err, "upload archive")
	}
	return size, nil
}

func (p *Packager) copyEntry(ctx context.Context, zw *zip.Writer, e ArchiveEntry) error {
	src, err := p.store.Get(ctx, e.Key)
	if err != nil {
		return errors.Wrapf(err, "read %s", e.Key)
	}
	defer src.Close()

	name := e.Name
	if name == "" {
		name = path.Base(e.Key)
	}

	method := zip.Deflate
	// images are already compressed
	if ext := strings.ToLower(path.Ext(name)); ext == ".png" || ext == ".jpg" || ext == ".jpeg" || ext == ".webp" {
		method = zip.Store
	}

	w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: method})
	if err != nil {
		return errors.Wrapf(err, "add %s", name)
	}
	if _, err := io.Copy(w, src); err != nil {
		return errors.Wrapf(err, "copy %s", e.Key)
	}
	return nil
}
