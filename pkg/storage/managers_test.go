package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qcforge/qcforge/pkg/types"
)

func TestActivateManager(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	body := &types.ActivateBody{
		NameData: types.ManagerNameData{Cluster: "hpc", Hostname: "node1", UUID: "m1"},
		Programs: map[string]string{"PSI4": "1.9"},
		Tags:     []string{"OpenFF", "*"},
	}
	m, err := s.ActivateManager(ctx, body)
	require.NoError(t, err)
	assert.Equal(t, "hpc-node1-m1", m.Name)
	assert.Equal(t, types.ManagerStatusActive, m.Status)
	assert.Contains(t, m.Programs, "psi4", "program names are normalized")
	assert.Equal(t, []string{"openff", "*"}, m.Tags)

	// Re-activating an active manager refreshes its offer.
	body.Programs = map[string]string{"psi4": "1.9", "xtb": "6.6"}
	m, err = s.ActivateManager(ctx, body)
	require.NoError(t, err)
	assert.Len(t, m.Programs, 2)
}

func TestActivateManagerValidation(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	_, err := s.ActivateManager(ctx, &types.ActivateBody{
		NameData: types.ManagerNameData{Cluster: "hpc", Hostname: "node1", UUID: "m2"},
		Tags:     []string{"*"},
	})
	assert.ErrorContains(t, err, "no programs")

	_, err = s.ActivateManager(ctx, &types.ActivateBody{
		NameData: types.ManagerNameData{Cluster: "hpc", Hostname: "node1", UUID: "m2"},
		Programs: map[string]string{"psi4": ""},
	})
	assert.ErrorContains(t, err, "no compute tags")
}

func TestReactivateDeactivatedManager(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	name := activateManager(t, s, "hpc", "m3", map[string]string{"psi4": ""}, []string{"*"})
	_, err := s.DeactivateManagers(ctx, []string{name})
	require.NoError(t, err)

	_, err = s.ActivateManager(ctx, &types.ActivateBody{
		NameData: types.ManagerNameData{Cluster: "hpc", Hostname: "node1", UUID: "m3"},
		Programs: map[string]string{"psi4": ""},
		Tags:     []string{"*"},
	})
	var cmErr *ComputeManagerError
	require.ErrorAs(t, err, &cmErr)
	assert.True(t, cmErr.Shutdown, "dead names cannot come back")
}

func TestHeartbeat(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	name := activateManager(t, s, "hpc", "m4", map[string]string{"psi4": ""}, []string{"*"})

	for i := 1; i <= 2; i++ {
		err := s.Heartbeat(ctx, name, &types.HeartbeatBody{
			ActiveTasks:   int64(i),
			ActiveCores:   8,
			TotalCPUHours: float64(i) * 0.5,
		})
		require.NoError(t, err)
	}

	m, err := s.GetManager(ctx, name)
	require.NoError(t, err)
	assert.EqualValues(t, 2, m.ActiveTasks)
	assert.EqualValues(t, 1.0, m.TotalCPUHours)

	logs, err := s.GetManagerLogs(ctx, m.ID, 0)
	require.NoError(t, err)
	assert.Len(t, logs, 2, "every heartbeat snapshots the counters")

	err = s.Heartbeat(ctx, "hpc-node1-ghost", &types.HeartbeatBody{})
	var cmErr *ComputeManagerError
	require.ErrorAs(t, err, &cmErr)
	assert.True(t, cmErr.Shutdown)
}

func TestDeactivateStaleManagers(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	fresh := activateManager(t, s, "hpc", "m5", map[string]string{"psi4": ""}, []string{"*"})

	// A cutoff in the future catches everything active.
	swept, err := s.DeactivateStaleManagers(ctx, time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []string{fresh}, swept)

	m, err := s.GetManager(ctx, fresh)
	require.NoError(t, err)
	assert.Equal(t, types.ManagerStatusInactive, m.Status)

	// Nothing active remains; the next sweep is a no-op.
	swept, err = s.DeactivateStaleManagers(ctx, time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, swept)
}

func TestQueryManagers(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	a := activateManager(t, s, "hpc", "m6", map[string]string{"psi4": ""}, []string{"*"})
	b := activateManager(t, s, "hpc", "m7", map[string]string{"psi4": ""}, []string{"*"})
	_, err := s.DeactivateManagers(ctx, []string{b})
	require.NoError(t, err)

	all, err := s.QueryManagers(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	active, err := s.QueryManagers(ctx, []types.ManagerStatus{types.ManagerStatusActive})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, a, active[0].Name)
}
