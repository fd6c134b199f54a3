package risk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prateushsharma/amlbot/internal/chain"
)

const (
	wallet = "0x1111111111111111111111111111111111111111"
	peer   = "0x2222222222222222222222222222222222222222"
)

var oneEther = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

func ether(n int64) *big.Int { return new(big.Int).Mul(big.NewInt(n), oneEther) }

type fakeReader struct {
	mu      sync.Mutex
	latest  uint64
	blocks  map[uint64]*chain.Block
	failAt  uint64
	fetched map[uint64]int
}

func newFakeReader(latest uint64) *fakeReader {
	return &fakeReader{latest: latest, blocks: map[uint64]*chain.Block{}, fetched: map[uint64]int{}}
}

func (f *fakeReader) LatestHeight(context.Context, chain.Chain) (uint64, error) {
	return f.latest, nil
}

func (f *fakeReader) BlockWithTransactions(_ context.Context, id chain.Chain, h uint64) (*chain.Block, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched[h]++
	if f.failAt != 0 && h == f.failAt {
		return nil, &chain.ProviderError{Chain: id, Op: "get_block", Err: errors.New("timeout")}
	}
	return f.blocks[h], nil
}

func (f *fakeReader) add(h uint64, ts time.Time, txs ...chain.Tx) {
	f.blocks[h] = &chain.Block{Number: h, Timestamp: ts, Transactions: txs}
}

func newTestEvaluator(r chain.Reader, opts ...Option) *Evaluator {
	catalog := chain.DefaultCatalog(func(string) string { return "" })
	opts = append([]Option{WithClock(func() time.Time { return evalTime })}, opts...)
	return NewEvaluator(r, catalog, slog.New(slog.NewTextHandler(io.Discard, nil)), opts...)
}

func TestEvaluate_TwentyFiveOldTransactionsIsLow(t *testing.T) {
	r := newFakeReader(1000)
	for i := 0; i < 25; i++ {
		h := uint64(900 + i)
		r.add(h, evalTime.Add(-time.Hour), chain.Tx{
			Hash: fmt.Sprintf("0x%02d", i), From: peer, To: wallet, Value: ether(1),
		})
	}

	a, err := newTestEvaluator(r).Evaluate(context.Background(), chain.Ethereum, "0x1111111111111111111111111111111111111111")
	require.NoError(t, err)

	assert.Equal(t, 25, a.Score)
	assert.Equal(t, LevelLow, a.Level)
	assert.Equal(t, []string{ReasonHighVolume}, a.Reasons)
	assert.Equal(t, 25, a.TxCount)
	assert.Equal(t, 25, a.BlocksScanned)
	assert.Equal(t, "https://etherscan.io/address/"+wallet, a.ExplorerURL)
	assert.Equal(t, evalTime, a.EvaluatedAt)

	require.Len(t, a.RecentActivity, MaxRecentActivity)
	assert.Equal(t, "0x24", a.RecentActivity[0].TxHash, "most recent first")
	assert.Equal(t, uint64(924), a.RecentActivity[0].BlockNumber)
	assert.Equal(t, chain.DirectionIn, a.RecentActivity[0].Direction)
	assert.Equal(t, "1", a.RecentActivity[0].Amount.String())
	assert.Equal(t, "ETH", a.RecentActivity[0].Asset)
}

func TestEvaluate_ScansExactlyTheWindow(t *testing.T) {
	r := newFakeReader(1000)
	r.add(850, evalTime, chain.Tx{Hash: "0xold", From: wallet, To: peer, Value: ether(50)})
	r.add(851, evalTime, chain.Tx{Hash: "0xfirst", From: peer, To: wallet, Value: ether(50)})

	a, err := newTestEvaluator(r).Evaluate(context.Background(), chain.Base, wallet)
	require.NoError(t, err)

	assert.Equal(t, 1, a.TxCount)
	assert.Equal(t, LargeInflowPoints, a.Score)
	assert.Equal(t, 150, len(r.fetched))
	assert.Zero(t, r.fetched[850])
	assert.Equal(t, 1, r.fetched[1000])
}

func TestEvaluate_NearGenesis(t *testing.T) {
	r := newFakeReader(3)
	r.add(0, evalTime, chain.Tx{Hash: "0xg", From: peer, To: wallet, Value: ether(1)})

	a, err := newTestEvaluator(r).Evaluate(context.Background(), chain.Ethereum, wallet)
	require.NoError(t, err)
	assert.Equal(t, 4, len(r.fetched))
	assert.Equal(t, 1, a.BlocksScanned)
	assert.Equal(t, 1, a.TxCount)
}

func TestEvaluate_Deterministic(t *testing.T) {
	r := newFakeReader(500)
	for i := 0; i < 30; i++ {
		r.add(uint64(400+i), evalTime.Add(-time.Duration(i)*time.Minute), chain.Tx{
			Hash: fmt.Sprintf("0x%x", i), From: wallet, To: peer, Value: ether(int64(i)),
		})
	}
	e := newTestEvaluator(r, WithFetchConcurrency(3))

	first, err := e.Evaluate(context.Background(), chain.Ethereum, wallet)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		again, err := e.Evaluate(context.Background(), chain.Ethereum, wallet)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestEvaluate_InvalidAddress(t *testing.T) {
	r := newFakeReader(10)
	_, err := newTestEvaluator(r).Evaluate(context.Background(), chain.Ethereum, "0xnothex")
	assert.ErrorIs(t, err, chain.ErrInvalidAddress)
	assert.Empty(t, r.fetched)
}

func TestEvaluate_UnsupportedChain(t *testing.T) {
	_, err := newTestEvaluator(newFakeReader(10)).Evaluate(context.Background(), "dogecoin", wallet)
	assert.ErrorIs(t, err, chain.ErrUnsupportedChain)
}

func TestEvaluate_ProviderErrorPropagates(t *testing.T) {
	r := newFakeReader(200)
	r.failAt = 120

	_, err := newTestEvaluator(r).Evaluate(context.Background(), chain.Avalanche, wallet)
	assert.ErrorIs(t, err, chain.ErrProvider)
}

func TestEvaluate_ContractCreationIgnored(t *testing.T) {
	r := newFakeReader(10)
	r.add(10, evalTime, chain.Tx{Hash: "0xc", From: peer, Value: big.NewInt(0)})

	a, err := newTestEvaluator(r).Evaluate(context.Background(), chain.Ethereum, wallet)
	require.NoError(t, err)
	assert.Zero(t, a.TxCount)
	assert.Equal(t, LevelLow, a.Level)
	assert.NotNil(t, a.RecentActivity)
}
