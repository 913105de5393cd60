package tftp

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tera-insights/xferd/internal/config"
	"github.com/tera-insights/xferd/internal/netio"
)

func testWorkerPool(workers int, strategy string) config.WorkerPool {
	return config.WorkerPool{
		Enabled:             true,
		WorkerCount:         workers,
		LoadBalanceStrategy: strategy,
		MasterChannelSize:   64,
		WorkerChannelSize:   64,
		SenderChannelSize:   64,
	}
}

// TestPipelineEchoes runs the full master/workers/sender topology against a
// loopback socket with an echoing handler.
func TestPipelineEchoes(t *testing.T) {
	server, err := netio.ListenUDP(context.Background(), "127.0.0.1:0", netio.DefaultSocketOptions())
	require.NoError(t, err)
	defer server.Close()

	client, err := net.DialUDP("udp4", nil, server.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	defer client.Close()

	bc := netio.NewBatchConn(server, true, 2*time.Millisecond)
	pool := netio.NewBufferPool(32, 2048)
	echo := func(pkt netio.Packet) *netio.Packet {
		out := append([]byte("echo:"), pkt.Data...)
		return &netio.Packet{Data: out, Addr: pkt.Addr}
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := newPipeline(bc, pool, echo, testWorkerPool(4, config.StrategyClientHash), 16, 2*time.Millisecond)
	done := make(chan error, 1)
	go func() { done <- p.run(ctx) }()

	const n = 20
	for i := 0; i < n; i++ {
		_, err := client.Write([]byte(fmt.Sprintf("msg-%02d", i)))
		require.NoError(t, err)
	}

	require.NoError(t, client.SetReadDeadline(time.Now().Add(5*time.Second)))
	got := map[string]bool{}
	buf := make([]byte, 256)
	for len(got) < n {
		rn, err := client.Read(buf)
		require.NoError(t, err)
		got[string(buf[:rn])] = true
	}
	for i := 0; i < n; i++ {
		assert.True(t, got[fmt.Sprintf("echo:msg-%02d", i)], "missing echo %d", i)
	}

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not shut down")
	}
}

func TestPipelineShutdownDrains(t *testing.T) {
	server, err := netio.ListenUDP(context.Background(), "127.0.0.1:0", netio.DefaultSocketOptions())
	require.NoError(t, err)
	defer server.Close()

	var handled sync.WaitGroup
	bc := netio.NewBatchConn(server, true, 2*time.Millisecond)
	pool := netio.NewBufferPool(8, 2048)
	handler := func(pkt netio.Packet) *netio.Packet {
		handled.Done()
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := newPipeline(bc, pool, handler, testWorkerPool(2, config.StrategyRoundRobin), 8, 2*time.Millisecond)
	done := make(chan error, 1)
	go func() { done <- p.run(ctx) }()

	client, err := net.DialUDP("udp4", nil, server.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	defer client.Close()

	handled.Add(3)
	for i := 0; i < 3; i++ {
		_, err = client.Write([]byte{0, 4, 0, 1})
		require.NoError(t, err)
	}
	waitDone := make(chan struct{})
	go func() { handled.Wait(); close(waitDone) }()
	select {
	case <-waitDone:
	case <-time.After(5 * time.Second):
		t.Fatal("packets never reached the workers")
	}

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not shut down")
	}
}

func TestPickClientHashAffinity(t *testing.T) {
	p := newPipeline(nil, nil, nil, testWorkerPool(4, config.StrategyClientHash), 8, time.Millisecond)

	a := netio.Packet{Addr: &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 1111}}
	b := netio.Packet{Addr: &net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 2222}}

	first := p.pick(a)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, p.pick(a), "same client must always land on the same worker")
	}
	assert.Less(t, p.pick(b), 4)
}

func TestPickRoundRobinCovers(t *testing.T) {
	p := newPipeline(nil, nil, nil, testWorkerPool(3, config.StrategyRoundRobin), 8, time.Millisecond)
	pkt := netio.Packet{Addr: &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 1111}}

	seen := map[int]int{}
	for i := 0; i < 9; i++ {
		seen[p.pick(pkt)]++
	}
	assert.Len(t, seen, 3, "round robin must use every worker")
	for w, count := range seen {
		assert.Equal(t, 3, count, "worker %d", w)
	}
}

func TestPickLeastLoaded(t *testing.T) {
	p := newPipeline(nil, nil, nil, testWorkerPool(3, config.StrategyLeastLoad), 8, time.Millisecond)
	pkt := netio.Packet{Addr: &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 1111}}

	// load up workers 0 and 1; 2 stays empty
	p.workerCh[0] <- netio.Packet{}
	p.workerCh[0] <- netio.Packet{}
	p.workerCh[1] <- netio.Packet{}

	assert.Equal(t, 2, p.pick(pkt))
}

func TestPipelineDropsUnderBackpressure(t *testing.T) {
	wp := testWorkerPool(1, config.StrategyRoundRobin)
	wp.WorkerChannelSize = 1
	p := newPipeline(nil, netio.NewBufferPool(4, 64), nil, wp, 8, time.Millisecond)

	// fill the only worker channel, then emulate the master's try-send path
	p.workerCh[0] <- netio.Packet{}

	pkt := netio.Packet{Data: p.pool.Acquire(), Addr: &net.UDPAddr{IP: net.IPv4(10, 0, 0, 9), Port: 9}}
	select {
	case p.workerCh[0] <- pkt:
		t.Fatal("channel should be full")
	default:
		p.dropped.Add(1)
		p.pool.Release(pkt.Data)
	}
	assert.EqualValues(t, 1, p.dropped.Load())
}
