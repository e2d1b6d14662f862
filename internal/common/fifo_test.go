package common

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFIFOOrderAndClose(t *testing.T) {
	q := NewFIFO[int]()
	for i := 1; i <= 3; i++ {
		require.True(t, q.Push(i))
	}
	assert.Equal(t, 3, q.Len())

	v, ok := q.Pop(context.Background())
	require.True(t, ok)
	assert.Equal(t, 1, v)

	q.Close()
	q.Close()
	assert.False(t, q.Push(4), "closed queues reject pushes")
	assert.Equal(t, []int{2, 3}, q.Drain())

	_, ok = q.Pop(context.Background())
	assert.False(t, ok)
}

func TestFIFOPopWaitsForPush(t *testing.T) {
	q := NewFIFO[string]()
	go func() {
		time.Sleep(10 * time.Millisecond)
		q.Push("row")
	}()
	v, ok := q.Pop(context.Background())
	require.True(t, ok)
	assert.Equal(t, "row", v)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, ok = q.Pop(ctx)
	assert.False(t, ok)
}

func TestGuardRecoversPanic(t *testing.T) {
	err := Guard(func() error { panic("boom") })
	var pe *PanicError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "boom", pe.Value)
	assert.NotEmpty(t, pe.Stack)

	assert.NoError(t, Guard(func() error { return nil }))
}

func TestPIDs(t *testing.T) {
	pid := NewPID()
	assert.Len(t, pid, 8)
	assert.NotEqual(t, pid, NewPID())
	assert.Equal(t, "ABCDEF", ShortPID("ABCDEFGH"))
	assert.Equal(t, "ABC", ShortPID("ABC"))
}
