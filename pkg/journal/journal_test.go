package journal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmfs-project/pmfs/pkg/pm"
)

func TestCommitRetiresTransaction(t *testing.T) {
	region := pm.NewRegion(4096)
	j := NewMemJournal(region)

	txn, err := j.NewTransaction(2)
	require.NoError(t, err)
	assert.Equal(t, 1, j.Pending())

	j.AddLogEntry(txn, pm.Offset(0), 128, KindInode)
	j.AddLogEntry(txn, pm.Offset(128), 32, KindData)

	require.NoError(t, j.Commit(txn))
	assert.Equal(t, 0, j.Pending())
}

func TestMultipleOpenTransactionsTrackedIndependently(t *testing.T) {
	region := pm.NewRegion(4096)
	j := NewMemJournal(region)

	t1, err := j.NewTransaction(1)
	require.NoError(t, err)
	t2, err := j.NewTransaction(1)
	require.NoError(t, err)
	assert.Equal(t, 2, j.Pending())

	require.NoError(t, j.Commit(t1))
	assert.Equal(t, 1, j.Pending())

	require.NoError(t, j.Commit(t2))
	assert.Equal(t, 0, j.Pending())
}

func TestNewTransactionRejectsNonPositiveCapacity(t *testing.T) {
	region := pm.NewRegion(4096)
	j := NewMemJournal(region)

	_, err := j.NewTransaction(0)
	assert.Error(t, err)
}
