package tracking

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prateushsharma/amlbot/internal/chain"
)

const (
	wallet = "0x1111111111111111111111111111111111111111"
	peer   = "0x2222222222222222222222222222222222222222"
	other  = "0x3333333333333333333333333333333333333333"
)

var blockTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// milliEther returns n thousandths of one 18-decimal unit.
func milliEther(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000_000_000_000))
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testCatalog() *chain.Catalog {
	return chain.DefaultCatalog(func(string) string { return "" })
}

// fakeReader serves scripted blocks per chain.
type fakeReader struct {
	mu      sync.Mutex
	heads   map[chain.Chain]uint64
	blocks  map[chain.Chain]map[uint64]*chain.Block
	failAt  map[chain.Chain]uint64
	fetched map[chain.Chain][]uint64
	gate    chan struct{} // when set, block fetches wait on it
	waiting atomic.Int32
	peak    atomic.Int32
}

func newFakeReader() *fakeReader {
	return &fakeReader{
		heads:   map[chain.Chain]uint64{},
		blocks:  map[chain.Chain]map[uint64]*chain.Block{},
		failAt:  map[chain.Chain]uint64{},
		fetched: map[chain.Chain][]uint64{},
	}
}

func (f *fakeReader) setHead(id chain.Chain, h uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heads[id] = h
}

func (f *fakeReader) add(id chain.Chain, h uint64, txs ...chain.Tx) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.blocks[id] == nil {
		f.blocks[id] = map[uint64]*chain.Block{}
	}
	f.blocks[id][h] = &chain.Block{Number: h, Timestamp: blockTime, Transactions: txs}
}

func (f *fakeReader) fail(id chain.Chain, h uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failAt[id] = h
}

func (f *fakeReader) fetchedHeights(id chain.Chain) []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint64(nil), f.fetched[id]...)
}

func (f *fakeReader) LatestHeight(_ context.Context, id chain.Chain) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.heads[id], nil
}

func (f *fakeReader) BlockWithTransactions(ctx context.Context, id chain.Chain, h uint64) (*chain.Block, error) {
	if f.gate != nil {
		n := f.waiting.Add(1)
		for {
			p := f.peak.Load()
			if n <= p || f.peak.CompareAndSwap(p, n) {
				break
			}
		}
		defer f.waiting.Add(-1)
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched[id] = append(f.fetched[id], h)
	if at, ok := f.failAt[id]; ok && at == h {
		return nil, &chain.ProviderError{Chain: id, Op: "get_block", Err: errors.New("connection reset")}
	}
	return f.blocks[id][h], nil
}

type sentMessage struct {
	to      string
	message string
}

// recordingNotifier records messages and optionally fails.
type recordingNotifier struct {
	mu      sync.Mutex
	sent    []sentMessage
	err     error
	failFor map[string]error
}

func (n *recordingNotifier) Notify(_ context.Context, to, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	if err := n.failFor[to]; err != nil {
		return err
	}
	n.sent = append(n.sent, sentMessage{to: to, message: message})
	return nil
}

func (n *recordingNotifier) setErr(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.err = err
}

func (n *recordingNotifier) failRecipient(to string, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failFor == nil {
		n.failFor = map[string]error{}
	}
	n.failFor[to] = err
}

func (n *recordingNotifier) messages() []sentMessage {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]sentMessage(nil), n.sent...)
}
