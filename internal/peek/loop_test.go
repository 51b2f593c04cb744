package peek

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoopRunsInOrder(t *testing.T) {
	l := newLoop()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.run(ctx)

	var got []int
	for i := 0; i < 100; i++ {
		require.True(t, l.post(func() { got = append(got, i) }))
	}
	require.True(t, l.call(func() {}))

	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestLoopPostFromLoopDoesNotBlock(t *testing.T) {
	l := newLoop()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.run(ctx)

	ran := 0
	require.True(t, l.call(func() {
		// Callbacks fired synchronously from work on the loop re-enter post.
		for i := 0; i < 1000; i++ {
			l.post(func() { ran++ })
		}
	}))
	require.True(t, l.call(func() {}))
	assert.Equal(t, 1000, ran)
}

func TestLoopStops(t *testing.T) {
	l := newLoop()
	ctx, cancel := context.WithCancel(context.Background())
	go l.run(ctx)

	cancel()
	<-l.done
	assert.False(t, l.post(func() {}))
	assert.False(t, l.call(func() {}))
}
