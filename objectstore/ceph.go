//go:build ceph

package objectstore

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/ceph/go-ceph/rados"

	"github.com/lakesignal/corepipe/internal/errs"
)

// CephConfig mirrors the teacher's CephFactory fields (persistence-ceph.go).
type CephConfig struct {
	UserName    string
	ClusterName string
	ConfFile    string
	Pool        string
	Prefix      string
}

// CephBackend talks to an on-prem Ceph cluster via librados. Requires
// cgo and a system libceph; build with -tags=ceph, matching the
// teacher's persistence-ceph.go/persistence-ceph-stub.go split exactly.
type CephBackend struct {
	cfg CephConfig

	mu   sync.Mutex
	conn *rados.Conn
	ioc  *rados.IOContext
}

func NewCephBackend(cfg CephConfig) *CephBackend {
	return &CephBackend{cfg: cfg}
}

func (c *CephBackend) ensureOpen() (*rados.IOContext, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ioc != nil {
		return c.ioc, nil
	}
	var conn *rados.Conn
	var err error
	if c.cfg.UserName != "" {
		conn, err = rados.NewConnWithUser(c.cfg.UserName)
	} else {
		conn, err = rados.NewConn()
	}
	if err != nil {
		return nil, errs.New(errs.Resource, "objectstore.CephBackend.ensureOpen", "", err)
	}
	if c.cfg.ConfFile != "" {
		if err := conn.ReadConfigFile(c.cfg.ConfFile); err != nil {
			return nil, errs.New(errs.Resource, "objectstore.CephBackend.ensureOpen", c.cfg.ConfFile, err)
		}
	}
	if err := conn.Connect(); err != nil {
		return nil, errs.New(errs.Resource, "objectstore.CephBackend.ensureOpen", "", err)
	}
	ioc, err := conn.OpenIOContext(c.cfg.Pool)
	if err != nil {
		return nil, errs.New(errs.Resource, "objectstore.CephBackend.ensureOpen", c.cfg.Pool, err)
	}
	c.conn = conn
	c.ioc = ioc
	return ioc, nil
}

func (c *CephBackend) oid(path string) string {
	p := strings.TrimPrefix(path, "/")
	if c.cfg.Prefix == "" {
		return p
	}
	return strings.TrimSuffix(c.cfg.Prefix, "/") + "/" + p
}

func (c *CephBackend) Get(ctx context.Context, path string) ([]byte, error) {
	return c.GetRange(ctx, path, ByteRange{})
}

func (c *CephBackend) GetRange(_ context.Context, path string, r ByteRange) ([]byte, error) {
	ioc, err := c.ensureOpen()
	if err != nil {
		return nil, err
	}
	oid := c.oid(path)
	stat, err := ioc.Stat(oid)
	if err != nil {
		return nil, errs.New(errs.Storage, "objectstore.CephBackend.GetRange", path, errs.ErrNotFound)
	}
	end := r.End
	if end == 0 {
		end = int64(stat.Size)
	}
	n := end - r.Start
	if n < 0 {
		n = 0
	}
	buf := make([]byte, n)
	read, err := ioc.Read(oid, buf, uint64(r.Start))
	if err != nil {
		return nil, errs.Retryable(errs.Storage, "objectstore.CephBackend.GetRange", path, err)
	}
	return buf[:read], nil
}

func (c *CephBackend) Put(_ context.Context, path string, data []byte) error {
	ioc, err := c.ensureOpen()
	if err != nil {
		return err
	}
	if err := ioc.WriteFull(c.oid(path), data); err != nil {
		return errs.Retryable(errs.Storage, "objectstore.CephBackend.Put", path, err)
	}
	return nil
}

func (c *CephBackend) List(_ context.Context, prefix string) ([]string, error) {
	ioc, err := c.ensureOpen()
	if err != nil {
		return nil, err
	}
	iter, err := ioc.Iter()
	if err != nil {
		return nil, errs.New(errs.Storage, "objectstore.CephBackend.List", prefix, err)
	}
	defer iter.Close()

	p := c.oid(prefix)
	var out []string
	for iter.Next() {
		oid := iter.Value()
		if strings.HasPrefix(oid, p) {
			out = append(out, "/"+oid)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (c *CephBackend) Head(_ context.Context, path string) (Meta, error) {
	ioc, err := c.ensureOpen()
	if err != nil {
		return Meta{}, err
	}
	stat, err := ioc.Stat(c.oid(path))
	if err != nil {
		return Meta{}, errs.New(errs.Storage, "objectstore.CephBackend.Head", path, errs.ErrNotFound)
	}
	return Meta{Size: int64(stat.Size), LastModified: stat.ModTime}, nil
}

func (c *CephBackend) Delete(_ context.Context, paths []string) error {
	ioc, err := c.ensureOpen()
	if err != nil {
		return err
	}
	for _, p := range paths {
		if err := ioc.Delete(c.oid(p)); err != nil {
			return errs.Retryable(errs.Storage, "objectstore.CephBackend.Delete", p, err)
		}
	}
	return nil
}
