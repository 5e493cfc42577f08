// Package fs abstracts the shared working storage that holds intermediate
// partitions, task specs, and the redundancy-elimination cache. Every
// backend reaches the same storage through this interface: a directory on
// a local or cluster-shared filesystem, or an S3 prefix for elastic runs.
//
// Names are slash-separated paths relative to the filesystem root. Writers
// are atomic: nothing is visible at the destination name until Commit.
package fs

import (
	"context"
	"fmt"
	"io"
	"strings"
)

type FileSystem interface {
	Open(ctx context.Context, name string) (io.ReadCloser, error)
	ReadFile(ctx context.Context, name string) ([]byte, error)

	// Create returns a writer whose content becomes visible at name only
	// on Commit. Abort discards everything written so far.
	Create(ctx context.Context, name string) (WriteCommitter, error)

	// CreateExclusive atomically publishes data at name unless the name
	// already exists. It reports whether this writer won.
	CreateExclusive(ctx context.Context, name string, data []byte) (bool, error)

	Exists(ctx context.Context, name string) (bool, error)

	// List returns the names matching a doublestar glob pattern, sorted.
	List(ctx context.Context, pattern string) ([]string, error)

	RemoveAll(ctx context.Context, prefix string) error

	// Root is the absolute location of this filesystem, usable to
	// reconstruct an equivalent FileSystem in a worker process.
	Root() string
}

type WriteCommitter interface {
	io.Writer
	Commit() error
	Abort() error
}

// New selects a filesystem implementation from the root URL scheme.
func New(ctx context.Context, root string) (FileSystem, error) {
	if strings.HasPrefix(root, "s3://") {
		return NewS3(ctx, root)
	}
	if i := strings.Index(root, "://"); i >= 0 {
		return nil, fmt.Errorf("unsupported working storage scheme: %s", root[:i])
	}
	return NewLocal(root)
}

// WriteFile atomically writes data at name.
func WriteFile(ctx context.Context, fsys FileSystem, name string, data []byte) error {
	w, err := fsys.Create(ctx, name)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		w.Abort()
		return err
	}
	return w.Commit()
}
