package order

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingswap/internal/log"
	"github.com/Klingon-tech/klingswap/internal/swap"
	"github.com/Klingon-tech/klingswap/pkg/crypto"
	"github.com/Klingon-tech/klingswap/pkg/types"
)

// StoreFileName is the order context file inside the data directory.
const StoreFileName = "order-contexts.json"

const (
	storeVersion = 1

	// DefaultFlushInterval is the debounce window for coalesced writes.
	DefaultFlushInterval = time.Second
	// DefaultRetention is how long terminal contexts are kept on disk.
	DefaultRetention = 7 * 24 * time.Hour

	gcInterval = time.Hour
)

// ErrNotFound is returned when no context exists for an order hash.
var ErrNotFound = errors.New("order not found")

// storeFile is the on-disk JSON envelope. The checksum covers the
// compact encoding of the contexts map so truncated or hand-edited
// files are detected on load.
type storeFile struct {
	Version  int             `json:"version"`
	SavedAt  time.Time       `json:"savedAt"`
	Checksum string          `json:"checksum"`
	Contexts json.RawMessage `json:"contexts"`
}

// Store keeps every order context in memory and mirrors the map to a
// single JSON file. Writes are debounced; transitions the counterparty
// can act on are flushed before the mutating call returns.
type Store struct {
	mu            sync.RWMutex
	contexts      map[types.Hash]*Context
	path          string
	flushInterval time.Duration
	retention     time.Duration
	dirty         bool
	logger        zerolog.Logger

	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewStore loads the order context file from dir (creating the directory
// if needed) and starts the background flusher. Zero durations select
// the defaults.
func NewStore(dir string, flushInterval, retention time.Duration) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}
	if retention <= 0 {
		retention = DefaultRetention
	}

	s := &Store{
		contexts:      make(map[types.Hash]*Context),
		path:          filepath.Join(dir, StoreFileName),
		flushInterval: flushInterval,
		retention:     retention,
		logger:        log.WithComponent("store"),
		quit:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	if err := s.load(); err != nil {
		return nil, err
	}

	go s.run()
	return s, nil
}

// load reads the context file. A missing file is a fresh start; an
// unreadable or corrupt one is moved aside so the operator can inspect
// it, and the store starts empty.
func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read order contexts: %w", err)
	}

	var file storeFile
	if err := json.Unmarshal(data, &file); err != nil {
		s.quarantine(err)
		return nil
	}
	if file.Version != storeVersion {
		s.quarantine(fmt.Errorf("unsupported store version %d", file.Version))
		return nil
	}

	decoded := make(map[string]*Context)
	if len(file.Contexts) > 0 {
		if err := json.Unmarshal(file.Contexts, &decoded); err != nil {
			s.quarantine(err)
			return nil
		}
	}
	if file.Checksum != "" {
		canonical, err := json.Marshal(decoded)
		if err != nil {
			return fmt.Errorf("marshal order contexts: %w", err)
		}
		if sum := crypto.Hash(canonical).String(); sum != file.Checksum {
			s.quarantine(fmt.Errorf("checksum mismatch: file has %s, computed %s", file.Checksum, sum))
			return nil
		}
	}

	for key, ctx := range decoded {
		hash, err := types.HexToHash(key)
		if err != nil || ctx == nil {
			s.logger.Warn().Str("key", key).Msg("skipping malformed context entry")
			continue
		}
		if ctx.OrderHash != hash {
			s.logger.Warn().Str("key", key).Msg("context key does not match its orderHash, skipping")
			continue
		}
		s.contexts[hash] = ctx
	}
	s.logger.Info().Int("orders", len(s.contexts)).Msg("order contexts loaded")
	return nil
}

// quarantine moves the context file aside and logs at fatal severity.
// Orders already funded on-chain may be in the lost state, so this
// needs operator attention even though the process keeps running.
func (s *Store) quarantine(cause error) {
	moved := s.path + ".corrupt"
	if err := os.Rename(s.path, moved); err != nil {
		moved = ""
	}
	ev := s.logger.WithLevel(zerolog.FatalLevel).Err(cause).Str("file", s.path)
	if moved != "" {
		ev = ev.Str("movedTo", moved)
	}
	ev.Msg("order context file is corrupt, starting with an empty store")
}

func (s *Store) run() {
	flush := time.NewTicker(s.flushInterval)
	gc := time.NewTicker(gcInterval)
	defer flush.Stop()
	defer gc.Stop()

	for {
		select {
		case <-flush.C:
			if err := s.flushDirty(); err != nil {
				s.logger.Error().Err(err).Msg("background flush failed")
			}
		case <-gc.C:
			s.collectGarbage(time.Now().UTC())
		case <-s.quit:
			close(s.done)
			return
		}
	}
}

// Set inserts or replaces a context. A first insert is flushed before
// returning so a freshly submitted order survives an immediate crash.
func (s *Store) Set(ctx *Context) error {
	if ctx == nil || ctx.OrderHash.IsZero() {
		return fmt.Errorf("%w: context without orderHash", swap.ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.contexts[ctx.OrderHash]
	if ok && existing.Terminal() {
		return terminalErr(existing)
	}
	s.contexts[ctx.OrderHash] = ctx.Clone()
	s.dirty = true
	if ok {
		return nil
	}
	return s.flushLocked()
}

// Get returns a deep copy of the context for hash.
func (s *Store) Get(hash types.Hash) (*Context, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, ok := s.contexts[hash]
	if !ok {
		return nil, fmt.Errorf("%s: %w", hash.Short(), ErrNotFound)
	}
	return ctx.Clone(), nil
}

// Has reports whether a context exists for hash.
func (s *Store) Has(hash types.Hash) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.contexts[hash]
	return ok
}

// UpdateStatus advances an order to next. Re-applying the current status
// is a no-op so replayed steps stay idempotent. Transitions into
// htlc_funded or secret_revealed are flushed synchronously because the
// counterparty can act on them; everything else rides the debounce
// window.
func (s *Store) UpdateStatus(hash types.Hash, next Status) error {
	if !next.Valid() {
		return fmt.Errorf("%w: unknown status %q", swap.ErrValidation, next)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, ok := s.contexts[hash]
	if !ok {
		return fmt.Errorf("%s: %w", hash.Short(), ErrNotFound)
	}
	if ctx.Status == next {
		return nil
	}
	if ctx.Terminal() {
		return terminalErr(ctx)
	}
	if !ctx.CanTransition(next) {
		return fmt.Errorf("order %s: no transition %s -> %s: %w",
			hash.Short(), ctx.Status, next, swap.ErrStateConflict)
	}

	prev := ctx.Status
	ctx.Status = next
	ctx.UpdatedAt = time.Now().UTC()
	s.dirty = true
	s.logger.Info().
		Str("order", hash.Short()).
		Str("from", string(prev)).
		Str("to", string(next)).
		Msg("status updated")

	if next == StatusHTLCFunded || next == StatusSecretRevealed {
		return s.flushLocked()
	}
	return nil
}

// SetSecret records the observed preimage. The value must hash to the
// order's hashlock; storing it again is a no-op.
func (s *Store) SetSecret(hash types.Hash, secret types.Secret) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, ok := s.contexts[hash]
	if !ok {
		return fmt.Errorf("%s: %w", hash.Short(), ErrNotFound)
	}
	if ctx.Secret == secret {
		return nil
	}
	if ctx.Terminal() {
		return terminalErr(ctx)
	}
	if !swap.VerifyPreimage(secret, ctx.Hashlock) {
		return fmt.Errorf("order %s: preimage does not match hashlock: %w",
			hash.Short(), swap.ErrValidation)
	}

	ctx.Secret = secret
	ctx.UpdatedAt = time.Now().UTC()
	s.dirty = true
	return nil
}

// UpdateBitcoinInfo applies mutate to the order's UTXO sub-record,
// creating it on first use. Expired orders still accept updates until
// the refund transaction id is recorded; once the mutation makes the
// context terminal it is flushed synchronously. mutate runs under the
// store lock and must not call back into the store.
func (s *Store) UpdateBitcoinInfo(hash types.Hash, mutate func(*BitcoinInfo)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, ok := s.contexts[hash]
	if !ok {
		return fmt.Errorf("%s: %w", hash.Short(), ErrNotFound)
	}
	if ctx.Terminal() {
		return terminalErr(ctx)
	}
	if ctx.UTXO == nil {
		ctx.UTXO = &BitcoinInfo{}
	}
	mutate(ctx.UTXO)
	ctx.UpdatedAt = time.Now().UTC()
	s.dirty = true

	if ctx.Terminal() {
		return s.flushLocked()
	}
	return nil
}

// Fail marks an order failed with a reason. Orders whose funds are
// locked on-chain cannot fail; they go through the refund path instead.
func (s *Store) Fail(hash types.Hash, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, ok := s.contexts[hash]
	if !ok {
		return fmt.Errorf("%s: %w", hash.Short(), ErrNotFound)
	}
	if ctx.Terminal() {
		return terminalErr(ctx)
	}
	if !ctx.CanTransition(StatusFailed) {
		return fmt.Errorf("order %s: cannot fail from %s: %w",
			hash.Short(), ctx.Status, swap.ErrStateConflict)
	}

	ctx.Status = StatusFailed
	ctx.Error = reason
	ctx.UpdatedAt = time.Now().UTC()
	s.dirty = true
	s.logger.Warn().Str("order", hash.Short()).Str("reason", reason).Msg("order failed")
	return nil
}

// SetError records the latest failure message without changing status.
func (s *Store) SetError(hash types.Hash, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, ok := s.contexts[hash]
	if !ok {
		return fmt.Errorf("%s: %w", hash.Short(), ErrNotFound)
	}
	if ctx.Terminal() {
		return terminalErr(ctx)
	}
	ctx.Error = msg
	ctx.UpdatedAt = time.Now().UTC()
	s.dirty = true
	return nil
}

// Delete removes a context.
func (s *Store) Delete(hash types.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.contexts[hash]; !ok {
		return fmt.Errorf("%s: %w", hash.Short(), ErrNotFound)
	}
	delete(s.contexts, hash)
	s.dirty = true
	return nil
}

// GetByStatus returns copies of all contexts with the given status,
// oldest first.
func (s *Store) GetByStatus(status Status) []*Context {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Context
	for _, ctx := range s.contexts {
		if ctx.Status == status {
			out = append(out, ctx.Clone())
		}
	}
	sortContexts(out)
	return out
}

// GetPending returns all contexts still waiting to be processed.
func (s *Store) GetPending() []*Context {
	return s.GetByStatus(StatusPending)
}

// GetActive returns every non-terminal context, oldest first.
func (s *Store) GetActive() []*Context {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Context
	for _, ctx := range s.contexts {
		if !ctx.Terminal() {
			out = append(out, ctx.Clone())
		}
	}
	sortContexts(out)
	return out
}

// Count returns the number of stored contexts.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.contexts)
}

// Flush writes the store to disk if it has unflushed changes.
func (s *Store) Flush() error {
	return s.flushDirty()
}

// Clear drops every context and persists the empty store.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contexts = make(map[types.Hash]*Context)
	s.dirty = true
	return s.flushLocked()
}

// Close stops the background flusher and writes any pending changes.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.quit)
		<-s.done
		err = s.flushDirty()
	})
	return err
}

func (s *Store) flushDirty() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return nil
	}
	return s.flushLocked()
}

// flushLocked writes the file atomically. The caller holds mu.
func (s *Store) flushLocked() error {
	keyed := make(map[string]*Context, len(s.contexts))
	for hash, ctx := range s.contexts {
		keyed[hash.String()] = ctx
	}
	contextsJSON, err := json.Marshal(keyed)
	if err != nil {
		return fmt.Errorf("marshal order contexts: %w", err)
	}

	file := storeFile{
		Version:  storeVersion,
		SavedAt:  time.Now().UTC(),
		Checksum: crypto.Hash(contextsJSON).String(),
		Contexts: contextsJSON,
	}
	data, err := json.MarshalIndent(&file, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal store file: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write order contexts: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("rename order contexts: %w", err)
	}
	s.dirty = false
	return nil
}

// collectGarbage drops terminal contexts past the retention window.
func (s *Store) collectGarbage(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for hash, ctx := range s.contexts {
		if ctx.Terminal() && now.Sub(ctx.UpdatedAt) > s.retention {
			delete(s.contexts, hash)
			removed++
		}
	}
	if removed > 0 {
		s.dirty = true
		s.logger.Info().Int("removed", removed).Msg("terminal orders garbage collected")
	}
}

func terminalErr(ctx *Context) error {
	return fmt.Errorf("order %s is terminal (%s): %w",
		ctx.OrderHash.Short(), ctx.Status, swap.ErrStateConflict)
}

func sortContexts(list []*Context) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return bytes.Compare(list[i].OrderHash[:], list[j].OrderHash[:]) < 0
	})
}
