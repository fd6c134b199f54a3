package tracking

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prateushsharma/amlbot/internal/chain"
	"github.com/prateushsharma/amlbot/internal/risk"
)

func reload(t *testing.T, s Store, id string) *TrackedAddress {
	t.Helper()
	tr, err := s.GetTrackedAddress(context.Background(), id)
	require.NoError(t, err)
	return tr
}

func trackAt(t *testing.T, s Store, cursor uint64) *TrackedAddress {
	t.Helper()
	tr := mustTrack(t, s, "chat-1", chain.Ethereum, wallet)
	require.NoError(t, s.UpdateCursor(context.Background(), tr.ID, cursor))
	return reload(t, s, tr.ID)
}

func cursorOf(t *testing.T, s Store, id string) uint64 {
	t.Helper()
	tr := reload(t, s, id)
	require.NotNil(t, tr.Cursor)
	return *tr.Cursor
}

func TestScanWindow(t *testing.T) {
	c := func(v uint64) *uint64 { return &v }
	tests := []struct {
		name             string
		cursor           *uint64
		latest           uint64
		backlog, max     uint64
		wantFrom, wantTo uint64
	}{
		{"no cursor uses backlog", nil, 1000, 150, 1000, 850, 1000},
		{"no cursor short chain", nil, 100, 150, 1000, 0, 100},
		{"no cursor zero backlog", nil, 1000, 0, 1000, 1000, 1000},
		{"cursor behind head", c(990), 1000, 150, 1000, 990, 1000},
		{"cursor at head", c(1000), 1000, 150, 1000, 1000, 1000},
		{"cursor ahead of head", c(1010), 1000, 150, 1000, 1010, 1010},
		{"capped", c(100), 5000, 150, 1000, 100, 1100},
		{"uncapped", c(100), 5000, 150, 0, 100, 5000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			from, to := scanWindow(tt.cursor, tt.latest, tt.backlog, tt.max)
			assert.Equal(t, tt.wantFrom, from)
			assert.Equal(t, tt.wantTo, to)
		})
	}
}

func TestTransactionPolicy_ThresholdScenario(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	reader := newFakeReader()
	notifier := &recordingNotifier{}
	tr := trackAt(t, store, 100)

	reader.setHead(chain.Ethereum, 105)
	reader.add(chain.Ethereum, 102, chain.Tx{Hash: "0xsmall", From: peer, To: wallet, Value: milliEther(500)})
	reader.add(chain.Ethereum, 104, chain.Tx{Hash: "0xbig", From: peer, To: wallet, Value: milliEther(2000)})
	reader.add(chain.Ethereum, 105, chain.Tx{Hash: "0xunrelated", From: peer, To: other, Value: milliEther(9000)})

	p := NewTransactionPolicy(reader, testCatalog(), store, notifier)
	res, err := p.Run(ctx, tr)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Alerts)
	assert.Equal(t, uint64(100), res.From)
	assert.Equal(t, uint64(105), res.To)

	alerts, err := store.ListAlerts(ctx, tr.ID, nil, 0)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "0xbig", alerts[0].TxHash)
	assert.Equal(t, chain.DirectionIn, alerts[0].Direction)
	assert.Equal(t, "2", alerts[0].Amount.String())
	assert.Equal(t, "ETH", alerts[0].Asset)
	assert.Equal(t, uint64(104), alerts[0].BlockNumber)
	assert.True(t, alerts[0].Delivered)

	msgs := notifier.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "chat-1", msgs[0].to)
	assert.Contains(t, msgs[0].message, "Incoming transaction")
	assert.Contains(t, msgs[0].message, "Amount: 2 ETH")
	assert.Contains(t, msgs[0].message, "https://etherscan.io/address/"+wallet)

	assert.Equal(t, uint64(105), cursorOf(t, store, tr.ID))
}

func TestTransactionPolicy_ThresholdIsInclusive(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	reader := newFakeReader()
	tr := trackAt(t, store, 10)

	reader.setHead(chain.Ethereum, 11)
	reader.add(chain.Ethereum, 11, chain.Tx{Hash: "0xexact", From: peer, To: wallet, Value: milliEther(1000)})

	res, err := NewTransactionPolicy(reader, testCatalog(), store, &recordingNotifier{}).Run(ctx, tr)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Alerts)
}

func TestTransactionPolicy_RescanDoesNotDuplicate(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	reader := newFakeReader()
	notifier := &recordingNotifier{}
	tr := trackAt(t, store, 100)

	reader.setHead(chain.Ethereum, 103)
	reader.add(chain.Ethereum, 101, chain.Tx{Hash: "0xa", From: peer, To: wallet, Value: milliEther(3000)})
	reader.add(chain.Ethereum, 103, chain.Tx{Hash: "0xb", From: wallet, To: peer, Value: milliEther(5000)})

	p := NewTransactionPolicy(reader, testCatalog(), store, notifier)
	res, err := p.Run(ctx, tr)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Alerts)

	// tr still carries the old cursor, so the same range is scanned again.
	res, err = p.Run(ctx, tr)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Alerts)

	alerts, err := store.ListAlerts(ctx, tr.ID, nil, 0)
	require.NoError(t, err)
	assert.Len(t, alerts, 2)
	assert.Len(t, notifier.messages(), 2)
}

func TestTransactionPolicy_PartialFailureKeepsCursorBehindFailure(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	reader := newFakeReader()
	notifier := &recordingNotifier{}
	tr := trackAt(t, store, 100)

	reader.setHead(chain.Ethereum, 110)
	reader.add(chain.Ethereum, 103, chain.Tx{Hash: "0xbefore", From: peer, To: wallet, Value: milliEther(2000)})
	reader.add(chain.Ethereum, 108, chain.Tx{Hash: "0xafter", From: peer, To: wallet, Value: milliEther(2000)})
	reader.fail(chain.Ethereum, 106)

	p := NewTransactionPolicy(reader, testCatalog(), store, notifier)
	res, err := p.Run(ctx, tr)
	require.Error(t, err)
	assert.ErrorIs(t, err, chain.ErrProvider)
	assert.Equal(t, 1, res.Alerts)
	assert.Equal(t, uint64(105), cursorOf(t, store, tr.ID))

	reader.fail(chain.Ethereum, 0)
	res, err = p.Run(ctx, reload(t, store, tr.ID))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Alerts)
	assert.Equal(t, uint64(110), cursorOf(t, store, tr.ID))

	alerts, err := store.ListAlerts(ctx, tr.ID, nil, 0)
	require.NoError(t, err)
	assert.Len(t, alerts, 2)
	assert.Equal(t, []uint64{101, 102, 103, 104, 105, 106, 106, 107, 108, 109, 110},
		reader.fetchedHeights(chain.Ethereum))
}

func TestTransactionPolicy_FailureOnFirstHeightLeavesCursor(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	reader := newFakeReader()
	tr := trackAt(t, store, 100)

	reader.setHead(chain.Ethereum, 110)
	reader.fail(chain.Ethereum, 101)

	_, err := NewTransactionPolicy(reader, testCatalog(), store, &recordingNotifier{}).Run(ctx, tr)
	require.Error(t, err)
	assert.Equal(t, uint64(100), cursorOf(t, store, tr.ID))
}

func TestTransactionPolicy_FirstScanUsesBacklog(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	reader := newFakeReader()
	tr := mustTrack(t, store, "chat-1", chain.Ethereum, wallet)

	reader.setHead(chain.Ethereum, 1000)
	p := NewTransactionPolicy(reader, testCatalog(), store, &recordingNotifier{}, WithBacklog(150))
	_, err := p.Run(ctx, tr)
	require.NoError(t, err)

	fetched := reader.fetchedHeights(chain.Ethereum)
	require.Len(t, fetched, 150)
	assert.Equal(t, uint64(851), fetched[0])
	assert.Equal(t, uint64(1000), fetched[149])
	assert.Equal(t, uint64(1000), cursorOf(t, store, tr.ID))
}

func TestTransactionPolicy_ZeroBacklogStartsAtHead(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	reader := newFakeReader()
	tr := mustTrack(t, store, "chat-1", chain.Ethereum, wallet)

	reader.setHead(chain.Ethereum, 1000)
	p := NewTransactionPolicy(reader, testCatalog(), store, &recordingNotifier{}, WithBacklog(0))
	_, err := p.Run(ctx, tr)
	require.NoError(t, err)

	assert.Empty(t, reader.fetchedHeights(chain.Ethereum))
	assert.Equal(t, uint64(1000), cursorOf(t, store, tr.ID))
}

func TestTransactionPolicy_MaxBlocksCapsRange(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	reader := newFakeReader()
	tr := trackAt(t, store, 100)

	reader.setHead(chain.Ethereum, 500)
	p := NewTransactionPolicy(reader, testCatalog(), store, &recordingNotifier{}, WithMaxBlocks(50))
	res, err := p.Run(ctx, tr)
	require.NoError(t, err)
	assert.Equal(t, uint64(150), res.To)
	assert.Equal(t, uint64(150), cursorOf(t, store, tr.ID))
}

func TestTransactionPolicy_LaggingNodeIsNoop(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	reader := newFakeReader()
	tr := trackAt(t, store, 200)

	reader.setHead(chain.Ethereum, 150)
	_, err := NewTransactionPolicy(reader, testCatalog(), store, &recordingNotifier{}).Run(ctx, tr)
	require.NoError(t, err)
	assert.Empty(t, reader.fetchedHeights(chain.Ethereum))
	assert.Equal(t, uint64(200), cursorOf(t, store, tr.ID))
}

func TestTransactionPolicy_NotifyAnyAlertsOutgoing(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	reader := newFakeReader()
	notifier := &recordingNotifier{}

	sub, err := store.UpsertSubscriber(ctx, "chat-9")
	require.NoError(t, err)
	tr := &TrackedAddress{
		SubscriberID: sub.ID, SubscriberExternalID: sub.ExternalID,
		Chain: chain.Base, Address: wallet, Label: "treasury",
		Mode: ModeTransactions, NotifyAny: true,
	}
	require.NoError(t, store.CreateTrackedAddress(ctx, tr))
	require.NoError(t, store.UpdateCursor(ctx, tr.ID, 9))
	tr = reload(t, store, tr.ID)

	reader.setHead(chain.Base, 10)
	reader.add(chain.Base, 10, chain.Tx{Hash: "0xdust", From: wallet, To: peer, Value: milliEther(0)})

	res, err := NewTransactionPolicy(reader, testCatalog(), store, notifier).Run(ctx, tr)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Alerts)

	alerts, err := store.ListAlerts(ctx, tr.ID, nil, 0)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, chain.DirectionOut, alerts[0].Direction)

	msgs := notifier.messages()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].message, "Outgoing transaction")
	assert.Contains(t, msgs[0].message, "Chain: BASE")
	assert.Contains(t, msgs[0].message, "Wallet: treasury ("+wallet+")")
}

func TestTransactionPolicy_NotifyFailureLeavesEventUndelivered(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	reader := newFakeReader()
	notifier := &recordingNotifier{err: errors.New("telegram down")}
	tr := trackAt(t, store, 1)

	reader.setHead(chain.Ethereum, 2)
	reader.add(chain.Ethereum, 2, chain.Tx{Hash: "0xa", From: peer, To: wallet, Value: milliEther(1500)})

	res, err := NewTransactionPolicy(reader, testCatalog(), store, notifier).Run(ctx, tr)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Alerts)
	assert.Equal(t, 1, res.NotifyFailures)
	assert.Equal(t, uint64(2), cursorOf(t, store, tr.ID))

	pending, err := store.ListUndeliveredAlerts(ctx, nil, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "0xa", pending[0].TxHash)
}

func TestTransactionPolicy_UnsupportedChain(t *testing.T) {
	store := NewMemoryStore()
	tr := &TrackedAddress{ID: "trk_x", Chain: chain.Chain("doge"), Address: wallet}
	_, err := NewTransactionPolicy(newFakeReader(), testCatalog(), store, &recordingNotifier{}).Run(context.Background(), tr)
	assert.ErrorIs(t, err, chain.ErrUnsupportedChain)
}

// fakeAssessor returns scripted levels in order.
type fakeAssessor struct {
	mu     sync.Mutex
	levels []risk.Level
	err    error
	calls  int
}

func (f *fakeAssessor) Evaluate(_ context.Context, id chain.Chain, address string) (*risk.Assessment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	level := f.levels[f.calls%len(f.levels)]
	f.calls++
	score := 0
	if level == risk.LevelHigh {
		score = 90
	}
	return &risk.Assessment{
		Chain:       id,
		Address:     address,
		Score:       score,
		Level:       level,
		Reasons:     []string{},
		ExplorerURL: "https://etherscan.io/address/" + address,
	}, nil
}

func TestRiskLevelPolicy_BaselineThenChange(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	notifier := &recordingNotifier{}
	assessor := &fakeAssessor{levels: []risk.Level{risk.LevelLow, risk.LevelLow, risk.LevelHigh}}
	tr := mustTrack(t, store, "chat-1", chain.Ethereum, wallet)
	p := NewRiskLevelPolicy(assessor, store, notifier)

	res, err := p.Run(ctx, tr)
	require.NoError(t, err)
	assert.False(t, res.LevelChanged)
	assert.Equal(t, "Low", reload(t, store, tr.ID).LastRiskLevel)
	assert.Empty(t, notifier.messages())

	res, err = p.Run(ctx, reload(t, store, tr.ID))
	require.NoError(t, err)
	assert.False(t, res.LevelChanged)
	assert.Empty(t, notifier.messages())

	res, err = p.Run(ctx, reload(t, store, tr.ID))
	require.NoError(t, err)
	assert.True(t, res.LevelChanged)
	assert.Equal(t, "High", res.Level)
	assert.Equal(t, "High", reload(t, store, tr.ID).LastRiskLevel)

	msgs := notifier.messages()
	require.Len(t, msgs, 1)
	assert.True(t, strings.HasPrefix(msgs[0].message, "🚨 Risk level changed\n\n"))
	assert.Contains(t, msgs[0].message, "Chain: ETH\n")
	assert.Contains(t, msgs[0].message, "Previous level: Low\n")
	assert.Contains(t, msgs[0].message, "New level: High\n")
	assert.True(t, strings.HasSuffix(msgs[0].message, "https://etherscan.io/address/"+wallet))
}

func TestRiskLevelPolicy_EvaluationErrorKeepsLevel(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	tr := mustTrack(t, store, "chat-1", chain.Ethereum, wallet)
	setRiskLevel(t, store, tr.ID, "Medium")

	assessor := &fakeAssessor{err: &chain.ProviderError{Chain: chain.Ethereum, Op: "block_number", Err: errors.New("timeout")}}
	_, err := NewRiskLevelPolicy(assessor, store, &recordingNotifier{}).Run(ctx, reload(t, store, tr.ID))
	assert.ErrorIs(t, err, chain.ErrProvider)
	assert.Equal(t, "Medium", reload(t, store, tr.ID).LastRiskLevel)
}

func TestRiskLevelPolicy_NotifyFailureStillPersistsLevel(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	tr := mustTrack(t, store, "chat-1", chain.Ethereum, wallet)
	setRiskLevel(t, store, tr.ID, "Low")

	notifier := &recordingNotifier{err: errors.New("down")}
	res, err := NewRiskLevelPolicy(&fakeAssessor{levels: []risk.Level{risk.LevelHigh}}, store, notifier).
		Run(ctx, reload(t, store, tr.ID))
	require.NoError(t, err)
	assert.True(t, res.LevelChanged)
	assert.Equal(t, 1, res.NotifyFailures)
	assert.Equal(t, "High", reload(t, store, tr.ID).LastRiskLevel)
}

func setRiskLevel(t *testing.T, s Store, id, level string) {
	t.Helper()
	changed, err := s.UpdateRiskLevel(context.Background(), id, reload(t, s, id).LastRiskLevel, level)
	require.NoError(t, err)
	require.True(t, changed)
}

func TestRiskLevelPolicy_ConcurrentScansNotifyOnce(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	tr := mustTrack(t, store, "chat-1", chain.Ethereum, wallet)
	setRiskLevel(t, store, tr.ID, "Low")

	// Both scans listed the record while it was still Low.
	first, second := reload(t, store, tr.ID), reload(t, store, tr.ID)
	notifier := &recordingNotifier{}
	assessor := &fakeAssessor{levels: []risk.Level{risk.LevelHigh, risk.LevelHigh}}
	p := NewRiskLevelPolicy(assessor, store, notifier)

	res, err := p.Run(ctx, first)
	require.NoError(t, err)
	assert.True(t, res.LevelChanged)

	res, err = p.Run(ctx, second)
	require.NoError(t, err)
	assert.False(t, res.LevelChanged)

	assert.Len(t, notifier.messages(), 1)
	assert.Equal(t, "High", reload(t, store, tr.ID).LastRiskLevel)
}

func TestPolicySet_ForRecord(t *testing.T) {
	txp := NewTransactionPolicy(newFakeReader(), testCatalog(), NewMemoryStore(), &recordingNotifier{})
	set := newPolicySet([]AlertPolicy{txp})

	p, err := set.forRecord(&TrackedAddress{})
	require.NoError(t, err)
	assert.Equal(t, ModeTransactions, p.Mode())

	_, err = set.forRecord(&TrackedAddress{Mode: ModeRiskLevel})
	assert.ErrorIs(t, err, ErrInvalidMode)
}
