package lockgate

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhiraj-trilio/trilio-dms/internal/dmserrors"
)

func TestAcquireRelease(t *testing.T) {
	dir := t.TempDir()
	g, err := New(dir, DefaultKey, 10*time.Millisecond)
	require.NoError(t, err)

	tok, err := g.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	require.NoError(t, g.Release(tok))
}

func TestAcquireTimesOutWhenHeld(t *testing.T) {
	dir := t.TempDir()
	g, err := New(dir, DefaultKey, 10*time.Millisecond)
	require.NoError(t, err)

	holder, err := g.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	defer g.Release(holder)

	_, err = g.Acquire(context.Background(), 50*time.Millisecond)
	require.Error(t, err)
	assert.True(t, dmserrors.IsLockTimeout(err))
}

func TestAcquireSerializesConcurrentCallers(t *testing.T) {
	dir := t.TempDir()
	g, err := New(dir, DefaultKey, 5*time.Millisecond)
	require.NoError(t, err)

	var inside atomic.Int32
	var maxObserved atomic.Int32
	done := make(chan struct{})

	for i := 0; i < 5; i++ {
		go func() {
			tok, err := g.Acquire(context.Background(), 2*time.Second)
			if err != nil {
				done <- struct{}{}
				return
			}
			n := inside.Add(1)
			for {
				cur := maxObserved.Load()
				if n <= cur || maxObserved.CompareAndSwap(cur, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			inside.Add(-1)
			_ = g.Release(tok)
			done <- struct{}{}
		}()
	}

	for i := 0; i < 5; i++ {
		<-done
	}

	assert.Equal(t, int32(1), maxObserved.Load())
}

func TestAcquireRespectsContextCancellation(t *testing.T) {
	dir := t.TempDir()
	g, err := New(dir, DefaultKey, 10*time.Millisecond)
	require.NoError(t, err)

	holder, err := g.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	defer g.Release(holder)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err = g.Acquire(ctx, 10*time.Second)
	require.Error(t, err)
}
