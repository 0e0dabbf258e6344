/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package semaphore_test

import (
	"context"
	"testing"
	"time"

	"github.com/beacon-ledger/beacon/common/semaphore"
	"github.com/stretchr/testify/require"
)

func TestNewSemaphorePanic(t *testing.T) {
	require.PanicsWithValue(t, "permits must be greater than 0", func() { semaphore.New(0) })
}

func TestSemaphoreBlocking(t *testing.T) {
	sema := semaphore.New(1)
	require.NoError(t, sema.Acquire(context.Background()))
	require.Equal(t, 1, sema.InUse())
	require.False(t, sema.TryAcquire())

	done := make(chan struct{})
	go func() {
		require.NoError(t, sema.Acquire(context.Background()))
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("second acquire should block")
	case <-time.After(100 * time.Millisecond):
	}

	sema.Release()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second acquire should have succeeded after release")
	}
	sema.Release()
	require.Equal(t, 0, sema.InUse())
	require.True(t, sema.TryAcquire())
}

func TestSemaphoreContextError(t *testing.T) {
	sema := semaphore.New(1)
	require.NoError(t, sema.Acquire(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := sema.Acquire(ctx)
	require.Equal(t, context.Canceled, err)
}

func TestSemaphoreReleaseTooMany(t *testing.T) {
	sema := semaphore.New(1)
	require.PanicsWithValue(t, "semaphore buffer is empty", func() { sema.Release() })
}
