package ledger

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"sync"

	"visionnode/storage"
)

const shardCount = 64

var (
	ErrInsufficientFunds       = errors.New("ledger: insufficient funds")
	ErrDuplicateIdempotencyKey = errors.New("ledger: duplicate idempotency key")
	ErrEmptyTransaction        = errors.New("ledger: transaction has no operations")
	ErrInvalidOp               = errors.New("ledger: invalid operation")
)

const (
	balancePrefix = "ledger/bal/"
	idemPrefix    = "ledger/idem/"
	heightKey     = "ledger/anchorHeight"
)

// Store is the single mutable source of truth for account balances. All
// mutation funnels through Apply, LockFunds and UnlockFunds; concurrent
// transactions on disjoint accounts proceed independently while transactions
// touching overlapping accounts serialize on the account's shard.
type Store struct {
	db storage.Database

	shards [shardCount]sync.Mutex

	idemMu   sync.Mutex
	inFlight map[string]struct{}
}

func NewStore(db storage.Database) *Store {
	return &Store{
		db:       db,
		inFlight: make(map[string]struct{}),
	}
}

func shardOf(account string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(account))
	return int(h.Sum32() % shardCount)
}

// lockShards acquires the shard locks for the given accounts in ascending
// shard order so overlapping transactions can never deadlock.
func (s *Store) lockShards(accounts []string) func() {
	seen := make(map[int]struct{})
	shards := make([]int, 0, len(accounts))
	for _, acct := range accounts {
		idx := shardOf(acct)
		if _, ok := seen[idx]; ok {
			continue
		}
		seen[idx] = struct{}{}
		shards = append(shards, idx)
	}
	sort.Ints(shards)
	for _, idx := range shards {
		s.shards[idx].Lock()
	}
	return func() {
		for i := len(shards) - 1; i >= 0; i-- {
			s.shards[shards[i]].Unlock()
		}
	}
}

// Apply validates and applies a transaction atomically. A replay with an
// already-applied idempotency key returns the original result alongside
// ErrDuplicateIdempotencyKey; callers treat that as success. If any debit
// would drive an available balance negative the whole transaction is
// rejected and nothing is applied.
func (s *Store) Apply(tx Transaction) (*Result, error) {
	if err := validate(tx); err != nil {
		return nil, err
	}

	release, err := s.reserveKey(tx.IdempotencyKey)
	if err != nil {
		if prior := s.loadResult(tx.IdempotencyKey); prior != nil {
			return prior, ErrDuplicateIdempotencyKey
		}
		return nil, ErrDuplicateIdempotencyKey
	}
	defer release()

	accounts := touchedAccounts(tx.Ops)
	unlock := s.lockShards(accounts)
	defer unlock()

	// Stage the new balances before writing anything so a rejection leaves
	// the store untouched.
	staged := make(map[string]map[string]Balance, len(accounts))
	for _, op := range tx.Ops {
		byCcy, ok := staged[op.Account]
		if !ok {
			byCcy = make(map[string]Balance)
			staged[op.Account] = byCcy
		}
		bal, ok := byCcy[op.Currency]
		if !ok {
			loaded, err := s.loadBalance(op.Account, op.Currency)
			if err != nil {
				return nil, err
			}
			bal = loaded
		}
		if op.Delta < 0 {
			debit := uint64(-op.Delta)
			if bal.Available < debit {
				return nil, fmt.Errorf("%w: %s %s short by %d", ErrInsufficientFunds, op.Account, op.Currency, debit-bal.Available)
			}
			bal.Available -= debit
		} else {
			bal.Available += uint64(op.Delta)
		}
		byCcy[op.Currency] = bal
	}

	// Commit balances and the idempotency record in one atomic batch so a
	// storage failure can never leave the transaction half applied.
	result := &Result{Balances: staged}
	batch := new(storage.Batch)
	for acct, byCcy := range staged {
		for ccy, bal := range byCcy {
			if err := stageBalance(batch, acct, ccy, bal); err != nil {
				return nil, err
			}
		}
	}
	if err := stageResult(batch, tx.IdempotencyKey, result); err != nil {
		return nil, err
	}
	if err := s.db.Write(batch); err != nil {
		return nil, err
	}
	return result, nil
}

// LockFunds moves amount from available to locked for escrow-style intents.
// Idempotent per key.
func (s *Store) LockFunds(account, currency string, amount uint64, key string) (*Result, error) {
	return s.moveLocked(account, currency, amount, key, true)
}

// UnlockFunds moves amount from locked back to available. Idempotent per key.
func (s *Store) UnlockFunds(account, currency string, amount uint64, key string) (*Result, error) {
	return s.moveLocked(account, currency, amount, key, false)
}

func (s *Store) moveLocked(account, currency string, amount uint64, key string, lock bool) (*Result, error) {
	if strings.TrimSpace(account) == "" || strings.TrimSpace(currency) == "" {
		return nil, ErrInvalidOp
	}
	if strings.TrimSpace(key) == "" {
		return nil, fmt.Errorf("%w: idempotency key required", ErrInvalidOp)
	}

	release, err := s.reserveKey(key)
	if err != nil {
		if prior := s.loadResult(key); prior != nil {
			return prior, ErrDuplicateIdempotencyKey
		}
		return nil, ErrDuplicateIdempotencyKey
	}
	defer release()

	unlock := s.lockShards([]string{account})
	defer unlock()

	bal, err := s.loadBalance(account, currency)
	if err != nil {
		return nil, err
	}
	if lock {
		if bal.Available < amount {
			return nil, fmt.Errorf("%w: %s %s short by %d", ErrInsufficientFunds, account, currency, amount-bal.Available)
		}
		bal.Available -= amount
		bal.Locked += amount
	} else {
		if bal.Locked < amount {
			return nil, fmt.Errorf("%w: %s %s locked balance short by %d", ErrInsufficientFunds, account, currency, amount-bal.Locked)
		}
		bal.Locked -= amount
		bal.Available += amount
	}
	result := &Result{Balances: map[string]map[string]Balance{account: {currency: bal}}}
	batch := new(storage.Batch)
	if err := stageBalance(batch, account, currency, bal); err != nil {
		return nil, err
	}
	if err := stageResult(batch, key, result); err != nil {
		return nil, err
	}
	if err := s.db.Write(batch); err != nil {
		return nil, err
	}
	return result, nil
}

// Balances returns a snapshot copy of every currency position for the given
// account. Writers are only held for the duration of the copy.
func (s *Store) Balances(account string) (map[string]Balance, error) {
	unlock := s.lockShards([]string{account})
	defer unlock()

	out := make(map[string]Balance)
	prefix := []byte(balancePrefix + account + "/")
	err := s.db.Iterate(prefix, func(key, value []byte) bool {
		ccy := strings.TrimPrefix(string(key), string(prefix))
		var bal Balance
		if err := json.Unmarshal(value, &bal); err != nil {
			return true
		}
		out[ccy] = bal
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AppliedHeight returns the highest anchor height whose transaction set has
// been applied, or zero when only genesis state exists.
func (s *Store) AppliedHeight() (uint64, error) {
	raw, err := s.db.Get([]byte(heightKey))
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("ledger: corrupt anchor height record")
	}
	return binary.BigEndian.Uint64(raw), nil
}

// SetAppliedHeight records the anchor-height watermark after an anchor's
// transaction set has been fully applied. The watermark only moves forward;
// a reorg that re-applies a lower height leaves it untouched because applied
// ledger effects are never rolled back.
func (s *Store) SetAppliedHeight(height uint64) error {
	current, err := s.AppliedHeight()
	if err != nil {
		return err
	}
	if height <= current {
		return nil
	}
	raw := make([]byte, 8)
	binary.BigEndian.PutUint64(raw, height)
	return s.db.Put([]byte(heightKey), raw)
}

func (s *Store) reserveKey(key string) (func(), error) {
	s.idemMu.Lock()
	defer s.idemMu.Unlock()
	if _, busy := s.inFlight[key]; busy {
		return nil, ErrDuplicateIdempotencyKey
	}
	if s.loadResult(key) != nil {
		return nil, ErrDuplicateIdempotencyKey
	}
	s.inFlight[key] = struct{}{}
	return func() {
		s.idemMu.Lock()
		delete(s.inFlight, key)
		s.idemMu.Unlock()
	}, nil
}

func (s *Store) loadResult(key string) *Result {
	raw, err := s.db.Get([]byte(idemPrefix + key))
	if err != nil {
		return nil
	}
	var result Result
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil
	}
	return &result
}

func stageResult(batch *storage.Batch, key string, result *Result) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return err
	}
	batch.Put([]byte(idemPrefix+key), raw)
	return nil
}

func (s *Store) loadBalance(account, currency string) (Balance, error) {
	raw, err := s.db.Get([]byte(balancePrefix + account + "/" + currency))
	if errors.Is(err, storage.ErrNotFound) {
		return Balance{}, nil
	}
	if err != nil {
		return Balance{}, err
	}
	var bal Balance
	if err := json.Unmarshal(raw, &bal); err != nil {
		return Balance{}, fmt.Errorf("ledger: corrupt balance record for %s/%s: %w", account, currency, err)
	}
	return bal, nil
}

func stageBalance(batch *storage.Batch, account, currency string, bal Balance) error {
	raw, err := json.Marshal(bal)
	if err != nil {
		return err
	}
	batch.Put([]byte(balancePrefix+account+"/"+currency), raw)
	return nil
}

func validate(tx Transaction) error {
	if strings.TrimSpace(tx.IdempotencyKey) == "" {
		return fmt.Errorf("%w: idempotency key required", ErrInvalidOp)
	}
	if len(tx.Ops) == 0 {
		return ErrEmptyTransaction
	}
	for _, op := range tx.Ops {
		if strings.TrimSpace(op.Account) == "" {
			return fmt.Errorf("%w: empty account", ErrInvalidOp)
		}
		if strings.TrimSpace(op.Currency) == "" {
			return fmt.Errorf("%w: empty currency", ErrInvalidOp)
		}
	}
	return nil
}

func touchedAccounts(ops []Op) []string {
	seen := make(map[string]struct{}, len(ops))
	out := make([]string, 0, len(ops))
	for _, op := range ops {
		if _, ok := seen[op.Account]; ok {
			continue
		}
		seen[op.Account] = struct{}{}
		out = append(out, op.Account)
	}
	return out
}
