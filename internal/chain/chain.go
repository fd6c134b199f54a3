// Package chain talks to EVM full nodes over JSON-RPC.
//
// A Catalog describes the supported chains (RPC endpoint, explorer, native
// asset). A Registry lazily dials one Provider per chain and keeps it for the
// life of the process; the risk evaluator and the tracking scheduler read
// blocks through it.
package chain

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

var (
	ErrUnsupportedChain = errors.New("unsupported chain")
	ErrInvalidAddress   = errors.New("invalid address")
	ErrProvider         = errors.New("chain provider unavailable")
	ErrCircuitOpen      = errors.New("circuit open")
)

// ProviderError reports a failed or unreachable RPC endpoint. It matches
// ErrProvider with errors.Is.
type ProviderError struct {
	Chain Chain
	Op    string
	Err   error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s provider: %s: %v", e.Chain, e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

func (e *ProviderError) Is(target error) bool { return target == ErrProvider }

// Chain identifies a supported chain ("eth", "base", "avax", ...).
type Chain string

const (
	Ethereum  Chain = "eth"
	Base      Chain = "base"
	Avalanche Chain = "avax"
)

func (c Chain) String() string { return string(c) }

// Direction of a transaction relative to a watched address.
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// Tx is a transaction reduced to what the engine needs. To is empty for
// contract creation. Addresses are lower-case hex.
type Tx struct {
	Hash  string
	From  string
	To    string
	Value *big.Int
}

// Touches reports whether addr (canonical form) is the sender or recipient.
func (t Tx) Touches(addr string) bool {
	return t.From == addr || (t.To != "" && t.To == addr)
}

// DirectionFor returns in when addr received the transaction, out otherwise.
// A self-transfer counts as in.
func (t Tx) DirectionFor(addr string) Direction {
	if t.To != "" && t.To == addr {
		return DirectionIn
	}
	return DirectionOut
}

// Block is a block with its full transaction list.
type Block struct {
	Number       uint64
	Hash         string
	Timestamp    time.Time
	Transactions []Tx
}

// CanonicalAddress validates a hex address and returns its lower-cased
// 0x-prefixed form. Mixed-case input must carry a valid EIP-55 checksum.
func CanonicalAddress(s string) (string, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	checksummed := common.HexToAddress(s).Hex()
	body := s[len(s)-40:]
	if isMixedCase(body) && body != checksummed[2:] {
		return "", fmt.Errorf("%w: bad checksum %q", ErrInvalidAddress, s)
	}
	return strings.ToLower(checksummed), nil
}

func isMixedCase(s string) bool {
	return strings.ToLower(s) != s && strings.ToUpper(s) != s
}

// FormatUnits converts an integer amount in the smallest unit to decimal
// units (wei → ETH for 18 decimals).
func FormatUnits(value *big.Int, decimals int32) decimal.Decimal {
	if value == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(value, -decimals)
}
