package faulttable

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBeginLocalAllocatesFreshHandle(t *testing.T) {
	tbl := NewTable()

	h, waited, err := tbl.BeginLocal(1, false, PageMeta{})
	require.NoError(t, err)
	assert.False(t, waited)
	require.NotNil(t, h)
	assert.Equal(t, int32(0), h.PeerNode)
}

func TestFinishLocalRemovesHandleAndWakesWaiters(t *testing.T) {
	tbl := NewTable()

	h, _, err := tbl.BeginLocal(5, false, PageMeta{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		defer wg.Done()
		h2, waited, err := tbl.BeginLocal(5, false, PageMeta{})
		require.NoError(t, err)
		assert.True(t, waited)
		assert.Same(t, h, h2)
	}()

	time.Sleep(10 * time.Millisecond) // let the goroutine park
	retryNeeded := tbl.FinishLocal(h)
	assert.False(t, retryNeeded)

	wg.Wait()
}

func TestBeginLocalAfterWriteFaultReturnsMustRetry(t *testing.T) {
	tbl := NewTable()

	h, _, err := tbl.BeginLocal(9, true, PageMeta{})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, _, err := tbl.BeginLocal(9, false, PageMeta{})
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	tbl.FinishLocal(h)

	err = <-done
	assert.ErrorIs(t, err, ErrMustRetry)
}

func TestBeginRemoteAllocatesWhenNoHandle(t *testing.T) {
	tbl := NewTable()

	h, ok := tbl.BeginRemote(3, false, 0, 2, 1, PageMeta{Modified: true})
	require.True(t, ok)
	assert.True(t, h.Remote)
	assert.Equal(t, int32(2), h.PeerNode)
}

func TestBeginRemoteNacksWhenAlreadyRemote(t *testing.T) {
	tbl := NewTable()

	_, ok := tbl.BeginRemote(3, false, 0, 2, 1, PageMeta{})
	require.True(t, ok)

	_, ok = tbl.BeginRemote(3, false, 5, 4, 1, PageMeta{})
	assert.False(t, ok)
}

func TestArbitrateWriterBeatsReader(t *testing.T) {
	assert.True(t, arbitrate(true, 10, 1, false, 0, 2), "local write beats remote read")
	assert.False(t, arbitrate(false, 10, 1, true, 0, 2), "remote write beats local read")
}

func TestArbitrateBothWritesLowerAckCountWins(t *testing.T) {
	assert.True(t, arbitrate(true, 1, 1, true, 5, 2), "lower ack count wins")
	assert.False(t, arbitrate(true, 5, 1, true, 1, 2))
}

func TestArbitrateBothWritesTieBreaksByNodeID(t *testing.T) {
	assert.True(t, arbitrate(true, 3, 1, true, 3, 2), "lower node id wins the tie")
	assert.False(t, arbitrate(true, 3, 2, true, 3, 1))
}

func TestArbitrateBothReadsRemoteWins(t *testing.T) {
	assert.False(t, arbitrate(false, 0, 1, false, 0, 2))
}

func TestBeginRemoteMarksLocalRetryWhenLocalLosesWriteTiebreak(t *testing.T) {
	tbl := NewTable()

	local, _, err := tbl.BeginLocal(11, true, PageMeta{})
	require.NoError(t, err)
	local.AckedFaultCount = 10

	h, ok := tbl.BeginRemote(11, true, 2, 99, 1, PageMeta{})
	require.True(t, ok)
	assert.Same(t, local, h)
	assert.True(t, h.Retry)
}

func TestFinishRemoteDestroysPurelyRemoteHandle(t *testing.T) {
	tbl := NewTable()

	h, ok := tbl.BeginRemote(21, false, 0, 2, 1, PageMeta{})
	require.True(t, ok)

	freed := tbl.FinishRemote(h)
	assert.True(t, freed)

	_, waited, err := tbl.BeginLocal(21, false, PageMeta{})
	require.NoError(t, err)
	assert.False(t, waited, "handle should have been removed")
}
