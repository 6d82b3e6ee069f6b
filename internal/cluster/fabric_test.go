package cluster

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/phayes/freeport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	ferrors "github.com/dreamware/fedround/internal/errors"
)

func TestMemoryFabricSendRecv(t *testing.T) {
	hub := NewMemoryHub(3)
	defer hub.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	f0, f1, f2 := hub.Fabric(0), hub.Fabric(1), hub.Fabric(2)
	assert.Equal(t, Rank(1), f1.Rank())
	assert.Equal(t, 3, f1.Size())

	for i := 0; i < 5; i++ {
		require.NoError(t, f1.Send(ctx, 0, []byte{byte(i)}))
	}
	require.NoError(t, f2.Send(ctx, 0, []byte("two")))
	assert.Equal(t, 6, f0.pending())

	// Filtering by sender skips the messages of other ranks.
	env, err := f0.Recv(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, Rank(2), env.From)
	assert.Equal(t, []byte("two"), env.Payload)

	// Per-pair FIFO.
	for i := 0; i < 5; i++ {
		env, err := f0.Recv(ctx, AnyRank)
		require.NoError(t, err)
		assert.Equal(t, Rank(1), env.From)
		assert.Equal(t, []byte{byte(i)}, env.Payload)
	}
}

func TestMemoryFabricErrors(t *testing.T) {
	hub := NewMemoryHub(3)
	defer hub.Close()
	ctx := context.Background()
	f0 := hub.Fabric(0)

	tests := []struct {
		name string
		to   Rank
	}{
		{name: "self", to: 0},
		{name: "negative", to: -3},
		{name: "beyond size", to: 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f0.Send(ctx, tt.to, nil)
			require.Error(t, err)
			assert.True(t, ferrors.ErrCommunication.Equal(err))
		})
	}

	_, err := f0.Recv(ctx, 9)
	assert.True(t, ferrors.ErrCommunication.Equal(err))

	hub.Detach(2)
	err = f0.Send(ctx, 2, []byte("x"))
	assert.True(t, ferrors.ErrCommunication.Equal(err))

	err = f0.Broadcast(ctx, []byte("x"), 1)
	assert.True(t, ferrors.ErrProtocol.Equal(err))
}

func TestMemoryFabricRecvContext(t *testing.T) {
	hub := NewMemoryHub(2)
	defer hub.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := hub.Fabric(0).Recv(ctx, AnyRank)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryFabricCloseWakesReceivers(t *testing.T) {
	hub := NewMemoryHub(2)
	f1 := hub.Fabric(1)

	done := make(chan error, 1)
	go func() {
		_, err := f1.Recv(context.Background(), AnyRank)
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, f1.Close())
	require.NoError(t, f1.Close())

	select {
	case err := <-done:
		assert.True(t, ferrors.ErrFabricClosed.Equal(err))
	case <-time.After(time.Second):
		t.Fatal("receiver was not woken by Close")
	}

	err := hub.Fabric(0).Send(context.Background(), 1, []byte("late"))
	assert.True(t, ferrors.ErrCommunication.Equal(err))
	err = f1.Send(context.Background(), 0, nil)
	assert.True(t, ferrors.ErrFabricClosed.Equal(err))
	hub.Close()
}

func TestMemoryFabricBroadcastAndBarrier(t *testing.T) {
	const size = 5
	hub := NewMemoryHub(size)
	defer hub.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var mu sync.Mutex
	got := make(map[Rank][]byte)

	g, gctx := errgroup.WithContext(ctx)
	for r := 1; r < size; r++ {
		f := hub.Fabric(Rank(r))
		g.Go(func() error {
			env, err := f.Recv(gctx, CoordinatorRank)
			if err != nil {
				return err
			}
			mu.Lock()
			got[f.Rank()] = env.Payload
			mu.Unlock()
			// Two barriers in a row must pair up correctly.
			if err := f.Barrier(gctx); err != nil {
				return err
			}
			return f.Barrier(gctx)
		})
	}
	g.Go(func() error {
		f := hub.Fabric(CoordinatorRank)
		if err := f.Broadcast(gctx, []byte("hello"), CoordinatorRank); err != nil {
			return err
		}
		if err := f.Barrier(gctx); err != nil {
			return err
		}
		return f.Barrier(gctx)
	})
	require.NoError(t, g.Wait())

	require.Len(t, got, size-1)
	for r := 1; r < size; r++ {
		assert.Equal(t, []byte("hello"), got[Rank(r)])
	}
	// Barrier traffic never reaches the protocol inbox.
	assert.Equal(t, 0, hub.Fabric(CoordinatorRank).pending())
}

func newHTTPFabrics(t *testing.T, size int) []*HTTPFabric {
	t.Helper()
	ports, err := freeport.GetFreePorts(size)
	require.NoError(t, err)
	peers := make([]RankInfo, size)
	for i, p := range ports {
		peers[i] = RankInfo{Rank: Rank(i), Addr: fmt.Sprintf("127.0.0.1:%d", p)}
	}
	fabrics := make([]*HTTPFabric, size)
	for i := range fabrics {
		f, err := NewHTTPFabric(HTTPConfig{
			Rank:       Rank(i),
			Peers:      peers,
			MaxElapsed: 200 * time.Millisecond,
		})
		require.NoError(t, err)
		require.NoError(t, f.Start())
		fabrics[i] = f
	}
	t.Cleanup(func() {
		for _, f := range fabrics {
			_ = f.Close()
			f.client.CloseIdleConnections()
		}
	})
	return fabrics
}

func TestHTTPFabricSendRecv(t *testing.T) {
	fabrics := newHTTPFabrics(t, 3)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, fabrics[0].Broadcast(ctx, []byte("assign"), CoordinatorRank))
	for _, f := range fabrics[1:] {
		env, err := f.Recv(ctx, CoordinatorRank)
		require.NoError(t, err)
		assert.Equal(t, []byte("assign"), env.Payload)
		assert.Equal(t, TagProtocol, env.Tag)
		require.NoError(t, f.Send(ctx, CoordinatorRank, []byte(fmt.Sprintf("report-%d", f.Rank()))))
	}
	seen := make(map[Rank]string)
	for i := 0; i < 2; i++ {
		env, err := fabrics[0].Recv(ctx, AnyRank)
		require.NoError(t, err)
		seen[env.From] = string(env.Payload)
	}
	assert.Equal(t, map[Rank]string{1: "report-1", 2: "report-2"}, seen)

	g, gctx := errgroup.WithContext(ctx)
	for _, f := range fabrics {
		f := f
		g.Go(func() error { return f.Barrier(gctx) })
	}
	require.NoError(t, g.Wait())
}

func TestHTTPFabricUnreachablePeer(t *testing.T) {
	fabrics := newHTTPFabrics(t, 2)
	ctx := context.Background()

	require.NoError(t, fabrics[1].Close())
	err := fabrics[0].Send(ctx, 1, []byte("x"))
	require.Error(t, err)
	assert.True(t, ferrors.ErrCommunication.Equal(err))
}

func TestHTTPFabricRejectsMisroutedEnvelope(t *testing.T) {
	fabrics := newHTTPFabrics(t, 2)
	resp, err := http.Post("http://"+fabrics[1].Addr()+MessagesPath, "application/msgpack", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestNewHTTPFabricValidation(t *testing.T) {
	_, err := NewHTTPFabric(HTTPConfig{
		Rank:  0,
		Peers: []RankInfo{{Rank: 1, Addr: "a:1"}},
	})
	assert.True(t, ferrors.ErrInvalidConfig.Equal(err))

	_, err = NewHTTPFabric(HTTPConfig{
		Rank:  3,
		Peers: []RankInfo{{Rank: 0, Addr: "a:1"}},
	})
	assert.True(t, ferrors.ErrInvalidConfig.Equal(err))
}
