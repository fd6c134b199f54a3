// Package risk scores a wallet from its native-asset activity in a trailing
// window of recent blocks.
package risk

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/prateushsharma/amlbot/internal/chain"
)

// Level is the qualitative risk tier derived from a score.
type Level string

const (
	LevelLow    Level = "Low"
	LevelMedium Level = "Medium"
	LevelHigh   Level = "High"
)

// Score thresholds (inclusive).
const (
	HighThreshold   = 70
	MediumThreshold = 35
)

// Heuristic parameters.
const (
	DefaultWindow = 150 // blocks

	BurstWindow       = 10 * time.Minute
	BurstRatePerMin   = 1.0
	BurstPoints       = 40
	VolumeThreshold   = 20
	VolumePoints      = 25
	LargeInflowAmount = 10 // native units
	LargeInflowPoints = 25

	MaxRecentActivity = 5
)

// Reason strings, in the order heuristics are applied.
const (
	ReasonHighFrequency = "High frequency activity (>1 tx/min) in last 10 minutes"
	ReasonHighVolume    = "High number of transactions recently"
	ReasonLargeInflow   = "Large inflow transaction detected"
)

// Activity is one transaction touching the evaluated address.
type Activity struct {
	Direction   chain.Direction `json:"direction"`
	Amount      decimal.Decimal `json:"amount"`
	Asset       string          `json:"asset"`
	TxHash      string          `json:"txHash"`
	BlockNumber uint64          `json:"blockNumber"`
	Timestamp   time.Time       `json:"timestamp"`
}

// Assessment is the result of one evaluation. It is never mutated after
// Evaluate returns it.
type Assessment struct {
	Chain          chain.Chain `json:"chain"`
	Address        string      `json:"address"`
	Score          int         `json:"score"`
	Level          Level       `json:"level"`
	Reasons        []string    `json:"reasons"`
	RecentActivity []Activity  `json:"recentActivity"`
	ExplorerURL    string      `json:"explorerUrl"`
	TxCount        int         `json:"txCount"`
	BlocksScanned  int         `json:"blocksScanned"`
	EvaluatedAt    time.Time   `json:"evaluatedAt"`
}
