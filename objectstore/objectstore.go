// Package objectstore implements a multi-backend object-store facade:
// get/get_range/put/list/head/delete over local disk, S3, or Ceph,
// with retried operations and account-prefix routing.
//
// Grounded on the teacher's storage.PersistenceEngine interface family
// (storage/persistence.go) and its per-backend factories
// (persistence-files.go, persistence-s3.go, persistence-ceph.go),
// generalized from a per-shard column/log/schema API to a flat
// path-addressed byte-range API.
package objectstore

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/lakesignal/corepipe/internal/errs"
)

// ByteRange selects [Start, End) of an object; End == 0 means "to EOF".
type ByteRange struct {
	Start int64
	End   int64
}

// Meta is the subset of object metadata the facade exposes.
type Meta struct {
	Size         int64
	LastModified time.Time
}

// Backend is the per-storage-kind implementation; Router dispatches to
// one of these per path via its "account::" prefix.
type Backend interface {
	Get(ctx context.Context, path string) ([]byte, error)
	GetRange(ctx context.Context, path string, r ByteRange) ([]byte, error)
	Put(ctx context.Context, path string, data []byte) error
	List(ctx context.Context, prefix string) ([]string, error)
	Head(ctx context.Context, path string) (Meta, error)
	Delete(ctx context.Context, paths []string) error
}

// walLocalPrefix is the sentinel prefix that always routes to the local
// disk backend regardless of account, used for WAL segments that must
// never leave the node they were written on.
const walLocalPrefix = "/$$/"

// Router dispatches each call to the right Backend: the `/$$/...` prefix
// always goes to local disk; an `account::` prefix selects a named
// backend from accounts; anything else falls through to default.
type Router struct {
	def      Backend
	local    Backend
	accounts map[string]Backend
}

// NewRouter builds a Router. local is used for the WAL-local path and is
// also registered as the default if def is nil.
func NewRouter(def, local Backend) *Router {
	if def == nil {
		def = local
	}
	return &Router{def: def, local: local, accounts: make(map[string]Backend)}
}

// RegisterAccount binds a named backend to the "name::" path prefix.
func (r *Router) RegisterAccount(name string, b Backend) {
	r.accounts[name] = b
}

// resolve splits an "account::rest" path into its backend and the
// backend-local path; `/$$/...` paths always resolve to local.
func (r *Router) resolve(path string) (Backend, string) {
	if strings.HasPrefix(path, walLocalPrefix) {
		return r.local, strings.TrimPrefix(path, walLocalPrefix)
	}
	if i := strings.Index(path, "::"); i >= 0 {
		account, rest := path[:i], path[i+2:]
		if b, ok := r.accounts[account]; ok {
			return b, rest
		}
	}
	return r.def, path
}

func (r *Router) Get(ctx context.Context, path string) ([]byte, error) {
	b, p := r.resolve(path)
	return withRetry(ctx, func() ([]byte, error) { return b.Get(ctx, p) })
}

func (r *Router) GetRange(ctx context.Context, path string, rg ByteRange) ([]byte, error) {
	b, p := r.resolve(path)
	return withRetry(ctx, func() ([]byte, error) { return b.GetRange(ctx, p, rg) })
}

func (r *Router) Put(ctx context.Context, path string, data []byte) error {
	b, p := r.resolve(path)
	_, err := withRetry(ctx, func() ([]byte, error) { return nil, b.Put(ctx, p, data) })
	return err
}

func (r *Router) List(ctx context.Context, prefix string) ([]string, error) {
	b, p := r.resolve(prefix)
	out, err := withRetryList(ctx, func() ([]string, error) { return b.List(ctx, p) })
	return out, err
}

func (r *Router) Head(ctx context.Context, path string) (Meta, error) {
	b, p := r.resolve(path)
	return withRetryMeta(ctx, func() (Meta, error) { return b.Head(ctx, p) })
}

func (r *Router) Delete(ctx context.Context, paths []string) error {
	byBackend := make(map[Backend][]string)
	for _, path := range paths {
		b, p := r.resolve(path)
		byBackend[b] = append(byBackend[b], p)
	}
	for b, ps := range byBackend {
		if _, err := withRetry(ctx, func() ([]byte, error) { return nil, b.Delete(ctx, ps) }); err != nil {
			return err
		}
	}
	return nil
}

// readAll is a small helper shared by backends that hand back an
// io.ReadCloser from an SDK call.
func readAll(rc io.ReadCloser, op, path string) ([]byte, error) {
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, errs.New(errs.Storage, op, path, err)
	}
	return data, nil
}
