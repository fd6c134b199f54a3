package tracking

import (
	"context"
	"fmt"
	"strings"

	"github.com/prateushsharma/amlbot/internal/chain"
	"github.com/prateushsharma/amlbot/internal/risk"
)

// Notifier delivers a rendered message to a subscriber. Implementations live
// in the notify package.
type Notifier interface {
	Notify(ctx context.Context, subscriberExternalID, message string) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, subscriberExternalID, message string) error

func (f NotifierFunc) Notify(ctx context.Context, subscriberExternalID, message string) error {
	return f(ctx, subscriberExternalID, message)
}

// FormatTransactionAlert renders the message for a qualifying transaction.
func FormatTransactionAlert(t *TrackedAddress, e *AlertEvent, info chain.Info) string {
	var b strings.Builder
	if e.Direction == chain.DirectionIn {
		b.WriteString("💰 Incoming transaction\n\n")
	} else {
		b.WriteString("📤 Outgoing transaction\n\n")
	}
	fmt.Fprintf(&b, "Chain: %s\n", strings.ToUpper(string(t.Chain)))
	if t.Label != "" {
		fmt.Fprintf(&b, "Wallet: %s (%s)\n", t.Label, t.Address)
	} else {
		fmt.Fprintf(&b, "Wallet: %s\n", t.Address)
	}
	fmt.Fprintf(&b, "Amount: %s %s\n", e.Amount.String(), e.Asset)
	fmt.Fprintf(&b, "Block: %d\n", e.BlockNumber)
	fmt.Fprintf(&b, "Tx: %s\n\n", e.TxHash)
	b.WriteString(info.ExplorerURL(t.Address))
	return b.String()
}

// FormatRiskChange renders the message for a risk level transition.
func FormatRiskChange(t *TrackedAddress, previous string, a *risk.Assessment) string {
	var b strings.Builder
	b.WriteString("🚨 Risk level changed\n\n")
	fmt.Fprintf(&b, "Chain: %s\n", strings.ToUpper(string(t.Chain)))
	fmt.Fprintf(&b, "Address: %s\n", t.Address)
	if t.Label != "" {
		fmt.Fprintf(&b, "Label: %s\n", t.Label)
	}
	if previous != "" {
		fmt.Fprintf(&b, "Previous level: %s\n", previous)
	}
	fmt.Fprintf(&b, "New level: %s\n", a.Level)
	fmt.Fprintf(&b, "Score: %d\n", a.Score)
	for _, r := range a.Reasons {
		fmt.Fprintf(&b, "- %s\n", r)
	}
	b.WriteString("\n")
	b.WriteString(a.ExplorerURL)
	return b.String()
}
