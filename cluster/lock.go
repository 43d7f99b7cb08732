package cluster

import (
	"context"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/lakesignal/corepipe/internal/errs"
)

// lockTTL is the lease TTL backing every held lock; refreshed at
// lockTTL/3 for the lifetime of the lock.
const lockTTL = 15 * time.Second

// Lock is a held distributed lock; Unlock releases it and revokes its
// lease so any node waiting on the key observes the release immediately
// rather than after TTL expiry.
type Lock struct {
	c      *Coordinator
	key    string
	lease  clientv3.LeaseID
	cancel context.CancelFunc
}

// Lock acquires the cluster-wide mutual-exclusion lock named key. If
// waitTTL == 0, Lock blocks until the lock is available or ctx is
// cancelled (wait forever); otherwise it gives up and returns
// errs.ErrLockHeld after waitTTL.
func (c *Coordinator) Lock(ctx context.Context, name string, waitTTL time.Duration) (*Lock, error) {
	key := c.key("locks", name)

	deadlineCtx := ctx
	var cancelDeadline context.CancelFunc
	if waitTTL > 0 {
		deadlineCtx, cancelDeadline = context.WithTimeout(ctx, waitTTL)
		defer cancelDeadline()
	}

	for {
		lease, err := c.client.Grant(ctx, int64(lockTTL.Seconds()))
		if err != nil {
			return nil, errs.New(errs.Cluster, "cluster.Lock", key, err)
		}

		txn := c.client.Txn(ctx).
			If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
			Then(clientv3.OpPut(key, c.nodeID, clientv3.WithLease(lease.ID))).
			Else(clientv3.OpGet(key))
		resp, err := txn.Commit()
		if err != nil {
			return nil, errs.New(errs.Cluster, "cluster.Lock", key, err)
		}
		if resp.Succeeded {
			lockCtx, cancel := context.WithCancel(context.Background())
			if err := c.heartbeatLease(lockCtx, lease.ID); err != nil {
				cancel()
				return nil, err
			}
			return &Lock{c: c, key: key, lease: lease.ID, cancel: cancel}, nil
		}

		// Someone else holds it; wait for the key to disappear (released or
		// lease expired) or for our deadline/ctx to fire.
		if _, err := c.client.Revoke(ctx, lease.ID); err != nil {
			return nil, errs.New(errs.Cluster, "cluster.Lock", key, err)
		}
		if err := c.awaitRelease(deadlineCtx, key); err != nil {
			if deadlineCtx.Err() != nil {
				return nil, errs.Retryable(errs.Cluster, "cluster.Lock", key, errs.ErrLockHeld)
			}
			return nil, errs.New(errs.Cluster, "cluster.Lock", key, err)
		}
	}
}

func (c *Coordinator) heartbeatLease(ctx context.Context, lease clientv3.LeaseID) error {
	keepAlive, err := c.client.KeepAlive(ctx, lease)
	if err != nil {
		return errs.New(errs.Cluster, "cluster.Lock", "", err)
	}
	go func() {
		for {
			select {
			case _, ok := <-keepAlive:
				if !ok {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// awaitRelease blocks until key is deleted (lock released or lease
// expired) or ctx is done.
func (c *Coordinator) awaitRelease(ctx context.Context, key string) error {
	resp, err := c.client.Get(ctx, key)
	if err != nil {
		return err
	}
	if len(resp.Kvs) == 0 {
		return nil
	}
	wc := c.client.Watch(ctx, key, clientv3.WithRev(resp.Header.Revision+1))
	for wresp := range wc {
		for _, ev := range wresp.Events {
			if ev.Type == clientv3.EventTypeDelete {
				return nil
			}
		}
	}
	return ctx.Err()
}

// Unlock releases the lock and revokes its lease immediately so a
// waiter doesn't have to wait out the full TTL.
func (l *Lock) Unlock(ctx context.Context) error {
	l.cancel()
	if _, err := l.c.client.Revoke(ctx, l.lease); err != nil {
		return errs.New(errs.Cluster, "cluster.Unlock", l.key, err)
	}
	return nil
}
