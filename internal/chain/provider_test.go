package chain

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rpcRequest struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params []any           `json:"params"`
}

// newRPCServer answers eth_blockNumber and eth_getBlockByNumber from blocks,
// which maps hex heights to JSON block bodies.
func newRPCServer(t *testing.T, head string, blocks map[string]string, failFirst int32) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if n <= failFirst {
			http.Error(w, "upstream busy", http.StatusServiceUnavailable)
			return
		}
		var result string
		switch req.Method {
		case "eth_blockNumber":
			result = `"` + head + `"`
		case "eth_getBlockByNumber":
			height, _ := req.Params[0].(string)
			body, ok := blocks[height]
			if !ok {
				body = "null"
			}
			result = body
		default:
			result = "null"
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":` + string(req.ID) + `,"result":` + result + `}`))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

const testBlock = `{
	"number": "0x64",
	"hash": "0x00000000000000000000000000000000000000000000000000000000000000aa",
	"timestamp": "0x65f0a000",
	"transactions": [
		{
			"hash": "0x0000000000000000000000000000000000000000000000000000000000000001",
			"from": "0xAAAAaaaaAAAAaaaaAAAAaaaaAAAAaaaaAAAAaaaa",
			"to": "0xBBBBbbbbBBBBbbbbBBBBbbbbBBBBbbbbBBBBbbbb",
			"value": "0xde0b6b3a7640000",
			"type": "0x7e"
		},
		{
			"hash": "0x0000000000000000000000000000000000000000000000000000000000000002",
			"from": "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb",
			"to": null,
			"value": "0x0"
		}
	]
}`

func dialTest(t *testing.T, url string) Provider {
	t.Helper()
	p, err := DialRPC(context.Background(), Info{ID: Base, RPCURL: url}, ProviderConfig{
		Timeout:    2 * time.Second,
		MaxRetries: 3,
		RetryDelay: time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.(*rpcProvider).Close() })
	return p
}

func TestRPCProvider_LatestHeight(t *testing.T) {
	srv, _ := newRPCServer(t, "0x12d687", nil, 0)
	p := dialTest(t, srv.URL)

	h, err := p.LatestHeight(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1234567), h)
}

func TestRPCProvider_RetriesTransientFailures(t *testing.T) {
	srv, calls := newRPCServer(t, "0x10", nil, 2)
	p := dialTest(t, srv.URL)

	h, err := p.LatestHeight(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(16), h)
	assert.Equal(t, int32(3), calls.Load())
}

func TestRPCProvider_BlockWithTransactions(t *testing.T) {
	srv, _ := newRPCServer(t, "0x64", map[string]string{"0x64": testBlock}, 0)
	p := dialTest(t, srv.URL)

	b, err := p.BlockWithTransactions(context.Background(), 100)
	require.NoError(t, err)
	require.NotNil(t, b)

	assert.Equal(t, uint64(100), b.Number)
	assert.Equal(t, time.Unix(0x65f0a000, 0).UTC(), b.Timestamp)
	require.Len(t, b.Transactions, 2)

	tx := b.Transactions[0]
	assert.Equal(t, "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", tx.From)
	assert.Equal(t, "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb", tx.To)
	assert.Equal(t, "1", FormatUnits(tx.Value, 18).String())

	create := b.Transactions[1]
	assert.Empty(t, create.To)
	assert.Equal(t, int64(0), create.Value.Int64())
}

func TestRPCProvider_MissingBlockIsNil(t *testing.T) {
	srv, _ := newRPCServer(t, "0x64", nil, 0)
	p := dialTest(t, srv.URL)

	b, err := p.BlockWithTransactions(context.Background(), 101)
	require.NoError(t, err)
	assert.Nil(t, b)
}

func TestDialRPC_RequiresURL(t *testing.T) {
	_, err := DialRPC(context.Background(), Info{ID: Avalanche, RPCEnv: "AVAX_RPC_URL"}, DefaultProviderConfig())
	assert.ErrorContains(t, err, "AVAX_RPC_URL")
}
