package syncgroup

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunAndWait(t *testing.T) {
	g := New()
	var n atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	g.Add("a", func(ctx context.Context) { <-ctx.Done(); n.Add(1) })
	g.Add("b", func(ctx context.Context) { <-ctx.Done(); n.Add(1) })
	g.Add("panics", func(ctx context.Context) { panic("boom") })
	g.Run(ctx)

	require.Eventually(t, func() bool { return len(g.Running()) == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	g.Wait()
	assert.EqualValues(t, 2, n.Load())
	assert.Empty(t, g.Running())
}

func TestWaitContextTimeout(t *testing.T) {
	g := New()
	stop := make(chan struct{})
	g.Add("stuck", func(ctx context.Context) { <-stop })
	g.Run(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := g.WaitContext(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stuck")
	close(stop)
	g.Wait()
}
