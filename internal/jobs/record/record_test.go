package record

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/crawjud/internal/models"
)

func newRecord(t *testing.T, total int) *Record {
	t.Helper()
	r := New(models.JobConfig{PID: "ABC123", Category: "capa", System: "pje"}, time.Now())
	require.NoError(t, r.SetTotalRows(total))
	return r
}

func TestSetTotalRowsOnlyOnce(t *testing.T) {
	r := newRecord(t, 10)

	err := r.SetTotalRows(12)
	assert.Error(t, err)

	snap := r.Snapshot()
	assert.Equal(t, 10, snap.TotalRows)
	assert.Equal(t, 10, snap.Remaining)
	assert.Equal(t, models.JobStatusInitializing, snap.Status)
}

func TestCounterInvariantHoldsForAnySequence(t *testing.T) {
	kinds := []models.EventKind{
		models.EventKindLog, models.EventKindInfo, models.EventKindSuccess, models.EventKindError,
	}
	rng := rand.New(rand.NewSource(42))

	for trial := 0; trial < 50; trial++ {
		total := rng.Intn(40) + 1
		r := newRecord(t, total)
		settled := 0

		for settled < total {
			kind := kinds[rng.Intn(len(kinds))]
			ev := r.Apply(models.ProgressEvent{Row: rng.Intn(total) + 1, Kind: kind})
			if kind.Counts() {
				settled++
			}

			snap := r.Snapshot()
			assert.Equal(t, snap.TotalRows-(snap.SuccessCount+snap.ErrorCount), snap.Remaining)
			assert.Equal(t, snap.Remaining, ev.Remaining)
			assert.GreaterOrEqual(t, snap.Remaining, 0)
		}

		assert.Equal(t, 0, r.Snapshot().Remaining)
	}
}

func TestCountersIndependentOfRowOrder(t *testing.T) {
	outcomes := map[int]models.EventKind{
		1: models.EventKindSuccess, 2: models.EventKindError, 3: models.EventKindSuccess,
		4: models.EventKindSuccess, 5: models.EventKindError,
	}

	forward := newRecord(t, 5)
	for row := 1; row <= 5; row++ {
		forward.Apply(models.ProgressEvent{Row: row, Kind: outcomes[row]})
	}
	backward := newRecord(t, 5)
	for row := 5; row >= 1; row-- {
		backward.Apply(models.ProgressEvent{Row: row, Kind: outcomes[row]})
	}

	f, b := forward.Snapshot(), backward.Snapshot()
	assert.Equal(t, f.SuccessCount, b.SuccessCount)
	assert.Equal(t, f.ErrorCount, b.ErrorCount)
	assert.Equal(t, f.Remaining, b.Remaining)
	assert.Equal(t, 3, f.SuccessCount)
	assert.Equal(t, 2, f.ErrorCount)
}

func TestTerminalEventDoesNotMoveCounters(t *testing.T) {
	r := newRecord(t, 2)
	r.Apply(models.ProgressEvent{Row: 1, Kind: models.EventKindSuccess})
	r.Apply(models.ProgressEvent{Row: 2, Kind: models.EventKindSuccess})

	ev := r.Apply(models.ProgressEvent{Kind: models.EventKindSuccess, Terminal: true, Message: "Fim da execução"})

	assert.Equal(t, 2, ev.SuccessCount)
	assert.Equal(t, 0, ev.Remaining)
	assert.Equal(t, 2, r.Snapshot().SuccessCount)
}

func TestTransitions(t *testing.T) {
	r := newRecord(t, 1)

	assert.True(t, r.Transition(models.JobStatusRunning))
	assert.False(t, r.Transition(models.JobStatusRunning))
	assert.True(t, r.Transition(models.JobStatusStopping))
	assert.False(t, r.Transition(models.JobStatusRunning))
	assert.True(t, r.Transition(models.JobStatusFinished))

	assert.False(t, r.Transition(models.JobStatusStopping))
	assert.False(t, r.Fail(assert.AnError))

	snap := r.Snapshot()
	assert.Equal(t, models.JobStatusFinished, snap.Status)
	assert.NotNil(t, snap.FinishedAt)
	assert.Empty(t, snap.Error)
}

func TestFailRecordsCause(t *testing.T) {
	r := newRecord(t, 3)
	require.True(t, r.Transition(models.JobStatusRunning))

	assert.True(t, r.Fail(assert.AnError))

	snap := r.Snapshot()
	assert.Equal(t, models.JobStatusFailed, snap.Status)
	assert.Equal(t, assert.AnError.Error(), snap.Error)
}
