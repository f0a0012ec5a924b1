package rpc

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthServer(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := NewHealthServer()
	done := make(chan error, 1)
	go func() { done <- h.Serve(ctx, lis) }()

	ok, err := Check(ctx, lis.Addr().String(), time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	h.SetServing(true)
	ok, err = Check(ctx, lis.Addr().String(), time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop")
	}
}
