package tftp

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-pkgz/lgr"
	"golang.org/x/sync/errgroup"

	"github.com/tera-insights/xferd/internal/config"
	"github.com/tera-insights/xferd/internal/netio"
)

// pipeline is the opt-in master/workers/sender topology: one master task
// batch-receives from the listening socket and dispatches to workers over
// bounded channels; workers run the per-packet handling; one sender drains
// their responses and batch-sends them.
type pipeline struct {
	bc     *netio.BatchConn
	pool   *netio.BufferPool
	handle func(netio.Packet) *netio.Packet

	strategy   string
	workerCh   []chan netio.Packet
	senderCh   chan netio.Packet
	batchMax   int
	flushEvery time.Duration

	rr      uint64 // round-robin cursor
	dropped atomic.Uint64
}

func newPipeline(bc *netio.BatchConn, pool *netio.BufferPool, handle func(netio.Packet) *netio.Packet,
	wp config.WorkerPool, batchMax int, flushEvery time.Duration) *pipeline {

	workers := wp.WorkerCount
	if workers < 1 {
		workers = config.DefaultWorkerCount()
	}
	if batchMax < 1 {
		batchMax = 1
	}
	if flushEvery <= 0 {
		flushEvery = netio.DefaultBatchTimeout
	}

	p := &pipeline{
		bc:         bc,
		pool:       pool,
		handle:     handle,
		strategy:   wp.LoadBalanceStrategy,
		workerCh:   make([]chan netio.Packet, workers),
		senderCh:   make(chan netio.Packet, max(wp.SenderChannelSize, 1)),
		batchMax:   batchMax,
		flushEvery: flushEvery,
	}
	for i := range p.workerCh {
		p.workerCh[i] = make(chan netio.Packet, max(wp.WorkerChannelSize, 1))
	}
	return p
}

// run executes the topology until ctx is cancelled. Shutdown flows
// downstream: the master closes the worker channels, workers drain and exit,
// the sender flushes and exits.
func (p *pipeline) run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return p.master(ctx) })

	var workers sync.WaitGroup
	workers.Add(len(p.workerCh))
	for i := range p.workerCh {
		ch := p.workerCh[i]
		g.Go(func() error {
			defer workers.Done()
			p.worker(ch)
			return nil
		})
	}
	g.Go(func() error {
		workers.Wait()
		close(p.senderCh)
		return nil
	})
	g.Go(func() error { return p.sender() })

	err := g.Wait()
	if n := p.dropped.Load(); n > 0 {
		lgr.Printf("[WARN] tftp pipeline dropped %d packets under backpressure", n)
	}
	return err
}

// master owns the listening socket exclusively: batch receive, pick a
// worker, try-send. A full worker channel drops the packet; TFTP clients
// retransmit, so an individual loss is recoverable at the FSM level.
func (p *pipeline) master(ctx context.Context) error {
	defer func() {
		for _, ch := range p.workerCh {
			close(ch)
		}
	}()

	bufs := make([][]byte, p.batchMax)
	for {
		if ctx.Err() != nil {
			return nil
		}
		for i := range bufs {
			bufs[i] = p.pool.Acquire()
		}
		pkts, err := p.bc.RecvBatch(bufs)
		if err != nil {
			for _, b := range bufs {
				p.pool.Release(b)
			}
			if ctx.Err() != nil || netio.IsClosedConn(err) {
				return nil
			}
			lgr.Printf("[WARN] tftp master receive error: %v", err)
			continue
		}

		used := make(map[*byte]bool, len(pkts))
		for _, pkt := range pkts {
			if len(pkt.Data) == 0 {
				continue // empty datagram, nothing to dispatch
			}
			used[&pkt.Data[0]] = true
			ch := p.workerCh[p.pick(pkt)]
			select {
			case ch <- pkt:
			default:
				p.dropped.Add(1)
				p.pool.Release(pkt.Data)
			}
		}
		// buffers that carried no dispatched packet go straight back
		for _, b := range bufs {
			if len(b) > 0 && !used[&b[0]] {
				p.pool.Release(b)
			}
		}
	}
}

// pick selects the worker for a packet per the configured strategy.
func (p *pipeline) pick(pkt netio.Packet) int {
	n := len(p.workerCh)
	if n == 1 {
		return 0
	}
	switch p.strategy {
	case config.StrategyClientHash:
		// session affinity: all packets of one client land on one worker
		h := fnv.New32a()
		_, _ = h.Write([]byte(pkt.Addr.String()))
		return int(h.Sum32() % uint32(n))
	case config.StrategyLeastLoad:
		best, bestLen := 0, int(^uint(0)>>1)
		for i, ch := range p.workerCh {
			if l := len(ch); l < bestLen {
				best, bestLen = i, l
			}
		}
		return best
	default: // round-robin
		return int(atomic.AddUint64(&p.rr, 1) % uint64(n))
	}
}

// worker drains its channel until the master closes it.
func (p *pipeline) worker(ch chan netio.Packet) {
	for pkt := range ch {
		resp := p.handle(pkt)
		p.pool.Release(pkt.Data)
		if resp != nil {
			p.senderCh <- *resp
		}
	}
}

// sender batches responses up to the configured max and flushes on a
// timeout, so a lone response never waits for company.
func (p *pipeline) sender() error {
	batch := make([]netio.Packet, 0, p.batchMax)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if _, err := p.bc.SendBatch(batch); err != nil {
			lgr.Printf("[WARN] tftp sender error: %v", err)
		}
		batch = batch[:0]
	}

	timer := time.NewTimer(p.flushEvery)
	defer timer.Stop()
	for {
		select {
		case pkt, ok := <-p.senderCh:
			if !ok {
				flush()
				return nil
			}
			batch = append(batch, pkt)
			if len(batch) >= p.batchMax {
				flush()
			}
		case <-timer.C:
			flush()
			timer.Reset(p.flushEvery)
		}
	}
}
