package comlink

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetAllEnvironmentsStatus(t *testing.T) {
	main := newTestComm(t, "main", WithServerMode(true))
	w1 := newTestComm(t, "w1")
	w2 := newTestComm(t, "w2")
	link(t, main, w1)
	link(t, main, w2)
	require.NoError(t, w1.RegisterAPI(APIRef{ID: "testApi"}, testAPI))

	statuses, err := main.GetAllEnvironmentsStatus(testContext(t))
	require.NoError(t, err)
	require.Len(t, statuses, 3)

	assert.True(t, statuses["main"].IsServer)
	assert.Equal(t, []string{"main", "w1", "w2"}, statuses["main"].Environments)
	assert.Equal(t, []string{"testApi"}, statuses["w1"].APIs)
	assert.Equal(t, "w2", statuses["w2"].ID)

	t.Run("partial results", func(t *testing.T) {
		gone := NewLocalTarget("gone")
		require.NoError(t, gone.Close())
		require.NoError(t, main.RegisterEnv("gone", gone))

		statuses, err := main.GetAllEnvironmentsStatus(testContext(t))
		require.ErrorIs(t, err, ErrTargetClosed)
		assert.Contains(t, err.Error(), `"gone"`)
		assert.Len(t, statuses, 3)
	})

	t.Run("caller gives up", func(t *testing.T) {
		silent := &recordingTarget{}
		require.NoError(t, main.RegisterEnv("silent", silent))

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		statuses, err := main.GetAllEnvironmentsStatus(ctx)
		require.ErrorIs(t, err, context.DeadlineExceeded)
		assert.NotContains(t, statuses, "silent")
		assert.Contains(t, statuses, "main")
	})
}

func TestStatusJSON(t *testing.T) {
	comm := newTestComm(t, "main", WithTopology(map[string]string{"w1": "/w1"}))

	buf, err := json.Marshal(comm.Status())
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf, &decoded))
	assert.Equal(t, "main", decoded["id"])
	assert.Equal(t, map[string]any{"w1": "/w1"}, decoded["topology"])

	// Statuses travel as JSON between processes.
	var raw any
	require.NoError(t, json.Unmarshal(buf, &raw))
	st, err := Decode[Status](raw)
	require.NoError(t, err)
	assert.Equal(t, comm.Status().Topology, st.Topology)
}
