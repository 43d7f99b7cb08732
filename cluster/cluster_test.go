package cluster

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSplitRoleMeta(t *testing.T) {
	role, meta := splitRoleMeta([]byte("ingester\x00{\"zone\":\"a\"}"))
	require.Equal(t, "ingester", role)
	require.Equal(t, `{"zone":"a"}`, string(meta))
}

func TestSplitRoleMetaNoMeta(t *testing.T) {
	role, meta := splitRoleMeta([]byte("querier"))
	require.Equal(t, "querier", role)
	require.Nil(t, meta)
}

func TestDecodeEventSuppressesSelfOrigin(t *testing.T) {
	c := &Coordinator{namespace: "/corepipe", nodeID: "node-a"}
	env, err := json.Marshal(envelope{Origin: "node-a", Payload: []byte("x")})
	require.NoError(t, err)

	_, ok := c.decodeEvent([]byte(c.key("events")+"/pipelines/1"), env, false)
	require.False(t, ok, "a node must not observe its own publish")

	env2, _ := json.Marshal(envelope{Origin: "node-b", Payload: []byte("y")})
	ev, ok := c.decodeEvent([]byte(c.key("events")+"/pipelines/1"), env2, false)
	require.True(t, ok)
	require.Equal(t, "/pipelines/1", ev.Key)
	require.Equal(t, []byte("y"), ev.Payload)
}

func TestDecodeEventDeleted(t *testing.T) {
	c := &Coordinator{namespace: "/corepipe", nodeID: "node-a"}
	ev, ok := c.decodeEvent([]byte(c.key("events")+"/pipelines/1"), nil, true)
	require.True(t, ok)
	require.True(t, ev.Deleted)
	require.Equal(t, "/pipelines/1", ev.Key)
}
