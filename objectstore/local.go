package objectstore

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/lakesignal/corepipe/internal/errs"
)

// LocalBackend stores objects as plain files under root, used both as a
// standalone backend and as the always-local target for WAL-local paths.
type LocalBackend struct {
	root string
}

func NewLocalBackend(root string) *LocalBackend {
	return &LocalBackend{root: root}
}

func (l *LocalBackend) full(path string) string {
	return filepath.Join(l.root, filepath.FromSlash(strings.TrimPrefix(path, "/")))
}

func (l *LocalBackend) Get(_ context.Context, path string) ([]byte, error) {
	data, err := os.ReadFile(l.full(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.New(errs.Storage, "objectstore.LocalBackend.Get", path, errs.ErrNotFound)
		}
		return nil, errs.New(errs.Storage, "objectstore.LocalBackend.Get", path, err)
	}
	return data, nil
}

func (l *LocalBackend) GetRange(_ context.Context, path string, r ByteRange) ([]byte, error) {
	f, err := os.Open(l.full(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.New(errs.Storage, "objectstore.LocalBackend.GetRange", path, errs.ErrNotFound)
		}
		return nil, errs.New(errs.Storage, "objectstore.LocalBackend.GetRange", path, err)
	}
	defer f.Close()

	if _, err := f.Seek(r.Start, 0); err != nil {
		return nil, errs.New(errs.Storage, "objectstore.LocalBackend.GetRange", path, err)
	}
	end := r.End
	if end == 0 {
		stat, err := f.Stat()
		if err != nil {
			return nil, errs.New(errs.Storage, "objectstore.LocalBackend.GetRange", path, err)
		}
		end = stat.Size()
	}
	n := end - r.Start
	if n < 0 {
		n = 0
	}
	buf := make([]byte, n)
	read := 0
	for read < len(buf) {
		m, err := f.Read(buf[read:])
		read += m
		if err != nil {
			break
		}
	}
	return buf[:read], nil
}

func (l *LocalBackend) Put(_ context.Context, path string, data []byte) error {
	full := l.full(path)
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return errs.New(errs.Storage, "objectstore.LocalBackend.Put", path, err)
	}
	tmp := full + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return errs.New(errs.Storage, "objectstore.LocalBackend.Put", path, err)
	}
	if err := os.Rename(tmp, full); err != nil {
		return errs.New(errs.Storage, "objectstore.LocalBackend.Put", path, err)
	}
	return nil
}

func (l *LocalBackend) List(_ context.Context, prefix string) ([]string, error) {
	base := l.full(prefix)
	var out []string
	err := filepath.Walk(base, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) && p == base {
				return filepath.SkipDir
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(l.root, p)
		if err != nil {
			return err
		}
		out = append(out, "/"+filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, errs.New(errs.Storage, "objectstore.LocalBackend.List", prefix, err)
	}
	sort.Strings(out)
	return out, nil
}

func (l *LocalBackend) Head(_ context.Context, path string) (Meta, error) {
	stat, err := os.Stat(l.full(path))
	if err != nil {
		if os.IsNotExist(err) {
			return Meta{}, errs.New(errs.Storage, "objectstore.LocalBackend.Head", path, errs.ErrNotFound)
		}
		return Meta{}, errs.New(errs.Storage, "objectstore.LocalBackend.Head", path, err)
	}
	return Meta{Size: stat.Size(), LastModified: stat.ModTime()}, nil
}

func (l *LocalBackend) Delete(_ context.Context, paths []string) error {
	for _, p := range paths {
		if err := os.Remove(l.full(p)); err != nil && !os.IsNotExist(err) {
			return errs.New(errs.Storage, "objectstore.LocalBackend.Delete", p, err)
		}
	}
	return nil
}
