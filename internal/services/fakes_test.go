package services

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"tradedesk/internal/config"
	"tradedesk/internal/journal"
	"tradedesk/internal/models"
	"tradedesk/internal/store"
	"tradedesk/internal/websocket"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// memBank is an in-memory stand-in for the Postgres stores. WithTx holds the
// lock for the whole unit of work and restores the previous state when it
// fails, which is what a SERIALIZABLE transaction looks like from outside.
type memBank struct {
	mu      sync.Mutex
	wallets map[string]*memWallet
	records map[string]models.Transaction
	order   []string
	entries []store.LedgerEntryInput
	audits  []string

	// fault injection, consumed inside transactions
	conflicts        int
	concurrentWriter func(b *memBank)
	committedMidway  func(b *memBank)
	createErr        error
	auditErr         error
}

type memWallet struct {
	version  int64
	balances map[string]decimal.Decimal
}

type memState struct {
	wallets map[string]*memWallet
	records map[string]models.Transaction
	order   []string
	entries []store.LedgerEntryInput
	audits  []string
}

func newMemBank() *memBank {
	return &memBank{
		wallets: map[string]*memWallet{},
		records: map[string]models.Transaction{},
	}
}

func (b *memBank) ledger() []store.LedgerEntryInput {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]store.LedgerEntryInput(nil), b.entries...)
}

// fund seeds a committed wallet directly.
func (b *memBank) fund(userID string, balances map[string]string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	w := &memWallet{balances: map[string]decimal.Decimal{}}
	for asset, value := range balances {
		w.balances[asset] = decimal.RequireFromString(value)
	}
	b.wallets[userID] = w
}

func (b *memBank) balance(userID, asset string) decimal.Decimal {
	b.mu.Lock()
	defer b.mu.Unlock()
	if w, ok := b.wallets[userID]; ok {
		return w.balances[asset]
	}
	return decimal.Zero
}

func (b *memBank) version(userID string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if w, ok := b.wallets[userID]; ok {
		return w.version
	}
	return -1
}

func (b *memBank) counts() (records, entries, audits int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records), len(b.entries), len(b.audits)
}

func (b *memBank) record(id string) models.Transaction {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.records[id]
}

func (b *memBank) snapshotState() memState {
	wallets := make(map[string]*memWallet, len(b.wallets))
	for id, w := range b.wallets {
		balances := make(map[string]decimal.Decimal, len(w.balances))
		for asset, value := range w.balances {
			balances[asset] = value
		}
		wallets[id] = &memWallet{version: w.version, balances: balances}
	}
	records := make(map[string]models.Transaction, len(b.records))
	for id, r := range b.records {
		records[id] = r
	}
	return memState{
		wallets: wallets,
		records: records,
		order:   append([]string(nil), b.order...),
		entries: append([]store.LedgerEntryInput(nil), b.entries...),
		audits:  append([]string(nil), b.audits...),
	}
}

func (b *memBank) restore(state memState) {
	b.wallets = state.wallets
	b.records = state.records
	b.order = state.order
	b.entries = state.entries
	b.audits = state.audits
}

func (b *memBank) WithTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	saved := b.snapshotState()
	if err := fn(nil); err != nil {
		b.restore(saved)
		if writer := b.committedMidway; writer != nil {
			b.committedMidway = nil
			writer(b)
		}
		return err
	}
	return nil
}

func (b *memBank) Ensure(_ context.Context, _ store.Execer, userID string) (bool, error) {
	if _, ok := b.wallets[userID]; ok {
		return false, nil
	}
	b.wallets[userID] = &memWallet{balances: map[string]decimal.Decimal{}}
	return true, nil
}

func (b *memBank) Snapshot(_ context.Context, _ store.Tx, userID string) (models.Wallet, error) {
	return b.walletLocked(userID)
}

func (b *memBank) walletLocked(userID string) (models.Wallet, error) {
	w, ok := b.wallets[userID]
	if !ok {
		return models.Wallet{}, store.ErrWalletNotFound
	}
	balances := make(map[string]decimal.Decimal, len(w.balances))
	for asset, value := range w.balances {
		balances[asset] = value
	}
	return models.Wallet{UserID: userID, Version: w.version, Balances: balances}, nil
}

func (b *memBank) ApplyDelta(_ context.Context, _ store.Execer, userID string, expectedVersion int64, deltas map[string]decimal.Decimal) (int64, error) {
	// another writer commits between our snapshot and our write
	if writer := b.concurrentWriter; writer != nil {
		b.concurrentWriter = nil
		b.committedMidway = writer
		return 0, store.ErrVersionConflict
	}
	if b.conflicts > 0 {
		b.conflicts--
		return 0, store.ErrVersionConflict
	}
	w, ok := b.wallets[userID]
	if !ok || w.version != expectedVersion {
		return 0, store.ErrVersionConflict
	}
	for asset, delta := range deltas {
		next := w.balances[asset].Add(delta)
		if next.IsNegative() {
			return 0, store.ErrNegativeBalance
		}
		w.balances[asset] = next
	}
	w.version++
	return w.version, nil
}

func (b *memBank) Get(_ context.Context, userID string) (models.Wallet, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.walletLocked(userID)
}

func (b *memBank) Create(_ context.Context, _ store.Execer, record models.Transaction) error {
	if b.createErr != nil {
		return b.createErr
	}
	if record.ClientRequestID != nil {
		for _, existing := range b.records {
			if existing.UserID == record.UserID && existing.ClientRequestID != nil && *existing.ClientRequestID == *record.ClientRequestID {
				return errDuplicateKey
			}
		}
	}
	b.records[record.ID] = record
	b.order = append(b.order, record.ID)
	return nil
}

func (b *memBank) GetForUpdate(_ context.Context, _ store.Getter, transactionID string) (models.Transaction, error) {
	record, ok := b.records[transactionID]
	if !ok {
		return models.Transaction{}, store.ErrTransactionNotFound
	}
	return record, nil
}

func (b *memBank) Transition(_ context.Context, _ store.Execer, transactionID string, from, to models.TransactionStatus, settledAt *time.Time) (bool, error) {
	record, ok := b.records[transactionID]
	if !ok || record.Status != from {
		return false, nil
	}
	record.Status = to
	record.SettledAt = settledAt
	b.records[transactionID] = record
	return true, nil
}

func (b *memBank) List(_ context.Context, filter store.TransactionFilter) ([]models.Transaction, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []models.Transaction
	for i := len(b.order) - 1; i >= 0; i-- {
		record := b.records[b.order[i]]
		if filter.UserID != "" && record.UserID != filter.UserID {
			continue
		}
		if filter.Type != "" && record.Type != filter.Type {
			continue
		}
		if filter.Status != "" && record.Status != filter.Status {
			continue
		}
		out = append(out, record)
	}
	if filter.Offset >= len(out) {
		return nil, nil
	}
	out = out[filter.Offset:]
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (b *memBank) InsertEntries(_ context.Context, _ store.Execer, entries []store.LedgerEntryInput) error {
	b.entries = append(b.entries, entries...)
	return nil
}

func (b *memBank) Reconcile(_ context.Context, userID string) ([]store.BalanceCheck, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	type key struct{ user, asset string }
	sums := map[key]decimal.Decimal{}
	for _, entry := range b.entries {
		if strings.HasPrefix(entry.Account, "house:") {
			continue
		}
		k := key{entry.Account, entry.Asset}
		sums[k] = sums[k].Add(entry.Amount)
	}
	stored := map[key]decimal.Decimal{}
	for user, w := range b.wallets {
		for asset, balance := range w.balances {
			stored[key{user, asset}] = balance
		}
	}
	keys := map[key]struct{}{}
	for k := range sums {
		keys[k] = struct{}{}
	}
	for k := range stored {
		keys[k] = struct{}{}
	}
	var out []store.BalanceCheck
	for k := range keys {
		if userID != "" && k.user != userID {
			continue
		}
		out = append(out, store.BalanceCheck{
			UserID:        k.user,
			Asset:         k.asset,
			StoredBalance: stored[k],
			LedgerSum:     sums[k],
			Difference:    stored[k].Sub(sums[k]),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].Asset < out[j].Asset
	})
	return out, nil
}

func (b *memBank) HouseTotals(_ context.Context) ([]store.HouseTotal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	totals := map[[2]string]decimal.Decimal{}
	for _, entry := range b.entries {
		if strings.HasPrefix(entry.Account, "house:") {
			k := [2]string{entry.Account, entry.Asset}
			totals[k] = totals[k].Add(entry.Amount)
		}
	}
	var out []store.HouseTotal
	for k, total := range totals {
		out = append(out, store.HouseTotal{Account: k[0], Asset: k[1], Total: total})
	}
	return out, nil
}

func (b *memBank) Log(_ context.Context, _ store.Execer, actorID, action, entityType, entityID, data string) error {
	if b.auditErr != nil {
		return b.auditErr
	}
	b.audits = append(b.audits, actorID+" "+action+" "+entityID)
	return nil
}

var errDuplicateKey = &pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"}

type fakeSource struct {
	prices map[string]decimal.Decimal
	errs   map[string]error
	asOf   time.Time
	block  bool
}

func (f fakeSource) Quote(ctx context.Context, asset models.Asset) (models.Quote, error) {
	if f.block {
		<-ctx.Done()
		return models.Quote{}, ctx.Err()
	}
	if err, ok := f.errs[asset.Symbol]; ok {
		return models.Quote{}, err
	}
	price, ok := f.prices[asset.Symbol]
	if !ok {
		return models.Quote{}, errNoPrice
	}
	return models.Quote{Symbol: asset.Symbol, Price: price, AsOf: f.asOf, Source: "fake"}, nil
}

type stringError string

func (e stringError) Error() string { return string(e) }

const errNoPrice = stringError("no price")

type recordingJournal struct {
	mu     sync.Mutex
	events []journal.Event
	err    error
}

func (j *recordingJournal) Append(event journal.Event) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.err != nil {
		return 0, j.err
	}
	j.events = append(j.events, event)
	return uint64(len(j.events)), nil
}

type recordingHub struct {
	mu      sync.Mutex
	updates map[string][]websocket.WalletUpdate
}

func (h *recordingHub) BroadcastWallet(userID string, update websocket.WalletUpdate) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.updates == nil {
		h.updates = map[string][]websocket.WalletUpdate{}
	}
	h.updates[userID] = append(h.updates[userID], update)
}

var fixedNow = time.Date(2025, 3, 14, 10, 30, 0, 0, time.UTC)

func testPolicy() config.Policy {
	policy := config.DefaultPolicy()
	policy.Assets = append(policy.Assets,
		models.Asset{Symbol: "DOGE", Name: "Dogecoin", CoinGeckoID: "dogecoin", Precision: 8, Tradable: true},
		models.Asset{Symbol: "LUNA", Name: "Terra", CoinGeckoID: "terra-luna", Precision: 8, Tradable: false},
	)
	return policy
}

func testPrices() fakeSource {
	return fakeSource{
		prices: map[string]decimal.Decimal{
			"BTC":  decimal.NewFromInt(2000000),
			"ETH":  decimal.NewFromInt(150000),
			"USDT": decimal.RequireFromString("49.5"),
		},
		errs: map[string]error{"DOGE": stringError("upstream 502")},
		asOf: fixedNow,
	}
}

type testEnv struct {
	bank    *memBank
	journal *recordingJournal
	hub     *recordingHub
	deps    Deps
}

func newTestEnv(policy config.Policy) *testEnv {
	bank := newMemBank()
	j := &recordingJournal{}
	hub := &recordingHub{}
	seq := 0
	var seqMu sync.Mutex
	return &testEnv{
		bank:    bank,
		journal: j,
		hub:     hub,
		deps: Deps{
			TxRunner:     bank,
			Wallets:      bank,
			Ledger:       bank,
			Transactions: bank,
			Audit:        bank,
			Journal:      j,
			Hub:          hub,
			Policy:       policy,
			Now:          func() time.Time { return fixedNow },
			NewID: func() string {
				seqMu.Lock()
				defer seqMu.Unlock()
				seq++
				return "id-" + decimal.NewFromInt(int64(seq)).String()
			},
		},
	}
}
