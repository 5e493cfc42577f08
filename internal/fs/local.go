package fs

import (
	"context"
	"errors"
	"io"
	iofs "io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Local is a FileSystem rooted at a directory, shared across tasks either
// on one machine or through a cluster filesystem (NFS, Lustre).
type Local struct {
	base string
}

func NewLocal(base string) (*Local, error) {
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, err
	}
	return &Local{base: abs}, nil
}

func (l *Local) Root() string {
	return l.base
}

func (l *Local) resolve(name string) string {
	return filepath.Join(l.base, filepath.FromSlash(name))
}

func (l *Local) Open(_ context.Context, name string) (io.ReadCloser, error) {
	return os.Open(l.resolve(name))
}

func (l *Local) ReadFile(_ context.Context, name string) ([]byte, error) {
	return os.ReadFile(l.resolve(name))
}

func (l *Local) Create(_ context.Context, name string) (WriteCommitter, error) {
	final := l.resolve(name)
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return nil, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(final), "."+filepath.Base(final)+".tmp-*")
	if err != nil {
		return nil, err
	}
	return &localWriter{file: tmp, final: final}, nil
}

func (l *Local) CreateExclusive(_ context.Context, name string, data []byte) (bool, error) {
	final := l.resolve(name)
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return false, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(final), "."+filepath.Base(final)+".tmp-*")
	if err != nil {
		return false, err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return false, err
	}
	if err := tmp.Close(); err != nil {
		return false, err
	}

	// Hard link is the exclusive-create primitive: it publishes the full
	// content atomically and fails if the name is already taken.
	if err := os.Link(tmp.Name(), final); err != nil {
		if errors.Is(err, iofs.ErrExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (l *Local) Exists(_ context.Context, name string) (bool, error) {
	_, err := os.Lstat(l.resolve(name))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, iofs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func (l *Local) List(_ context.Context, pattern string) ([]string, error) {
	matches, err := doublestar.FilepathGlob(filepath.Join(l.base, filepath.FromSlash(pattern)))
	if err != nil {
		return nil, err
	}
	var names []string
	for _, m := range matches {
		info, err := os.Lstat(m)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		rel, err := filepath.Rel(l.base, m)
		if err != nil {
			continue
		}
		names = append(names, filepath.ToSlash(rel))
	}
	sort.Strings(names)
	return names, nil
}

func (l *Local) RemoveAll(_ context.Context, prefix string) error {
	resolved := l.resolve(prefix)
	if !strings.HasPrefix(resolved, l.base+string(filepath.Separator)) {
		return errors.New("refusing to remove outside working storage root")
	}
	return os.RemoveAll(resolved)
}

type localWriter struct {
	file  *os.File
	final string
}

func (w *localWriter) Write(p []byte) (int, error) {
	return w.file.Write(p)
}

func (w *localWriter) Commit() error {
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		os.Remove(w.file.Name())
		return err
	}
	if err := w.file.Close(); err != nil {
		os.Remove(w.file.Name())
		return err
	}
	return os.Rename(w.file.Name(), w.final)
}

func (w *localWriter) Abort() error {
	w.file.Close()
	return os.Remove(w.file.Name())
}
