package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qcforge/qcforge/pkg/types"
)

func TestSnapshotStats(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	submitSinglepoint(t, s, 0, "", types.PriorityNormal)
	submitSinglepoint(t, s, 1, "", types.PriorityNormal)
	activateManager(t, s, "hpc", "s1", map[string]string{"psi4": ""}, []string{"*"})

	stats, err := s.SnapshotStats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, stats.RecordCounts["waiting"])
	assert.EqualValues(t, 1, stats.ManagerCounts["active"])
	assert.EqualValues(t, 2, stats.TaskCount)
	assert.EqualValues(t, 2, stats.MoleculeCount)

	got, err := s.GetStats(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.EqualValues(t, 2, got[0].TaskCount)
}

func TestDeleteStatsBefore(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	_, err := s.SnapshotStats(ctx)
	require.NoError(t, err)
	_, err = s.SnapshotStats(ctx)
	require.NoError(t, err)

	n, err := s.DeleteStatsBefore(ctx, time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	got, err := s.GetStats(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}
