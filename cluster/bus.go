package cluster

import (
	"context"
	"encoding/json"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/lakesignal/corepipe/internal/errs"
)

// Event is one put/delete observed on a watched prefix (the well-known
// prefixes include /pipelines/, /ai_prompts/, /service_streams/,
// /file_list_dump/, etc).
type Event struct {
	Key     string
	Payload []byte
	Deleted bool
}

// envelope wraps a published payload with its originating node id so
// watchers can suppress delivery of their own writes, breaking the cycle
// described in the Design Notes ("local write -> coordinator event ->
// local watcher"): without this tag, a node's own filelist.Store.Add
// would re-trigger its own cache invalidation handler pointlessly (and,
// worse, any handler that itself performs a write could loop forever).
type envelope struct {
	Origin  string `json:"origin"`
	Payload []byte `json:"payload"`
}

// Publish emits an event on key, visible to every subscriber on a
// matching prefix except this node's own subscriptions (self-delivery is
// suppressed). Satisfies filelist.EventEmitter.
func (c *Coordinator) Publish(key string, payload []byte) error {
	env, err := json.Marshal(envelope{Origin: c.nodeID, Payload: payload})
	if err != nil {
		return errs.New(errs.Cluster, "cluster.Publish", key, err)
	}
	fullKey := c.key("events") + key
	if _, err := c.client.Put(context.Background(), fullKey, string(env)); err != nil {
		return errs.New(errs.Cluster, "cluster.Publish", fullKey, err)
	}
	return nil
}

// Delete emits a deletion event on key (e.g. a stream or dashboard was
// removed and derived caches must drop it).
func (c *Coordinator) Delete(key string) error {
	fullKey := c.key("events") + key
	if _, err := c.client.Delete(context.Background(), fullKey); err != nil {
		return errs.New(errs.Cluster, "cluster.Delete", fullKey, err)
	}
	return nil
}

// Subscribe streams put/delete events on prefix. Every live subscriber
// observes every revision at most once; on first call it lists the
// current state of the prefix so a freshly (re)connected subscriber
// catches up before watching forward, the same pattern WatchMembers
// uses.
func (c *Coordinator) Subscribe(ctx context.Context, prefix string) (<-chan Event, error) {
	fullPrefix := c.key("events") + prefix
	resp, err := c.client.Get(ctx, fullPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, errs.New(errs.Cluster, "cluster.Subscribe", fullPrefix, err)
	}

	out := make(chan Event, 256)
	go func() {
		defer close(out)
		for _, kv := range resp.Kvs {
			if ev, ok := c.decodeEvent(kv.Key, kv.Value, false); ok {
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
		wc := c.client.Watch(ctx, fullPrefix, clientv3.WithPrefix(), clientv3.WithRev(resp.Header.Revision+1))
		for wresp := range wc {
			for _, wev := range wresp.Events {
				ev, ok := c.decodeEvent(wev.Kv.Key, wev.Kv.Value, wev.Type == clientv3.EventTypeDelete)
				if !ok {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (c *Coordinator) decodeEvent(key, value []byte, deleted bool) (Event, bool) {
	trimmedKey := string(key)[len(c.key("events")):]
	if deleted {
		return Event{Key: trimmedKey, Deleted: true}, true
	}
	var env envelope
	if err := json.Unmarshal(value, &env); err != nil {
		return Event{}, false
	}
	if env.Origin == c.nodeID {
		return Event{}, false // suppress self-delivery
	}
	return Event{Key: trimmedKey, Payload: env.Payload}, true
}
