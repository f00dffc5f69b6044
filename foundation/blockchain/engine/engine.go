// Package engine implements LedgerEngine: the single-writer orchestrator
// that drives BlockTree, SpendablesTrie, ClaimPool, PersistentStore, and
// Verifier through append/attach/detach and exposes the node's read and
// write surface.
//
// Grounded on the teacher's foundation/blockchain/state package: the
// sync.Mutex-guarded struct, the EventHandler logging-by-callback
// convention, and block.go's validate-then-write-then-apply sequencing of
// validateUpdateDatabase are kept and generalized from the account model to
// the attach/detach pipeline.
package engine

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ardanlabs/ledger/foundation/blockchain/blocktree"
	"github.com/ardanlabs/ledger/foundation/blockchain/chainstore"
	"github.com/ardanlabs/ledger/foundation/blockchain/claimpool"
	"github.com/ardanlabs/ledger/foundation/blockchain/coin"
	"github.com/ardanlabs/ledger/foundation/blockchain/spendables"
	"github.com/ardanlabs/ledger/foundation/blockchain/verifier"
)

// EventHandler is called as the engine makes progress, exactly as the
// teacher's state.EventHandler is: a printf-style hook production code
// wires to a logger and tests leave nil.
type EventHandler func(v string, args ...any)

// ZapEventHandler adapts a zap.SugaredLogger into an EventHandler, the way
// the teacher's app/services/node/main.go wraps its own logger for
// state.Config.EvHandler.
func ZapEventHandler(log *zap.SugaredLogger) EventHandler {
	return func(v string, args ...any) {
		log.Infof(v, args...)
	}
}

// ChainParams is the chain-parameter collaborator the engine consumes
// (spec §6). genesis.Params satisfies it.
type ChainParams interface {
	GenesisBlock() coin.Block
	Subsidy(height uint64) int64
	NextWorkRequired(prevBits uint32, heightOfPrev uint64, firstBlockTime, lastBlockTime uint32) uint32
	Checkpoint(height uint64, hash coin.Hash) bool
	TotalBlocksEstimate() uint64
	Quorums() (acceptQuorum uint64, acceptMajority float64, enforceQuorum uint64, enforceMajority float64)
	RetargetWindow() uint64
	LastCheckpointHeight() uint64
}

// ScriptVerifier is the script-verification collaborator (spec §6),
// satisfied by both claimpool.ScriptVerifier and verifier.ScriptVerifier
// users.
type ScriptVerifier interface {
	VerifySignature(prevOutput coin.Output, txn coin.Transaction, inputIndex int, strictP2SH bool, flags uint32) bool
	MoneyRange(value int64) bool
}

// Clock is the time collaborator (spec §6): wall-clock now, kept as an
// interface so tests can fix it. There is no separate adjusted time.
type Clock interface {
	Now() time.Time
}

// systemClock is the production Clock, backed by time.Now.
type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

const (
	// coinbaseMaturity mirrors genesis.CoinbaseMaturity (kept local per
	// the same dependency-direction rule documented in claimpool).
	coinbaseMaturity = 100

	medianTimeSpan = 11
)

// Reject is a recoverable failure: peer misbehavior, a coin missing
// possibly due to purging, a fee below minimum. The engine's state is left
// unchanged.
type Reject struct {
	Stage string
	Err   error
}

func (r *Reject) Error() string { return fmt.Sprintf("reject at %s: %v", r.Stage, r.Err) }
func (r *Reject) Unwrap() error { return r.Err }

// ConsensusError is a hard consensus violation: bad proof of work, immature
// coinbase spend, checkpoint mismatch, negative fee, signature failure,
// duplicate block. The engine restores its pre-append state.
type ConsensusError struct {
	Stage string
	Err   error
}

func (e *ConsensusError) Error() string { return fmt.Sprintf("consensus error at %s: %v", e.Stage, e.Err) }
func (e *ConsensusError) Unwrap() error { return e.Err }

func reject(stage string, err error) error        { return &Reject{Stage: stage, Err: err} }
func consensusError(stage string, err error) error { return &ConsensusError{Stage: stage, Err: err} }

// Config configures a LedgerEngine.
type Config struct {
	Store     *chainstore.Store
	Params    ChainParams
	Script    ScriptVerifier
	Clock     Clock
	EvHandler EventHandler
	MinFee    int64
}

// LedgerEngine is the single-writer orchestrator described by spec.md §4.5.
type LedgerEngine struct {
	mu sync.RWMutex

	store    *chainstore.Store
	tree     *blocktree.BlockTree
	trie     *spendables.Trie
	pool     *claimpool.ClaimPool
	verify   *verifier.Verifier
	params   ChainParams
	script   ScriptVerifier
	clock    Clock
	evHandler EventHandler

	purgeDepth      uint64
	validationDepth uint64
	verificationDepth uint64
	scriptToUnspents  bool
	lazyPurge         bool

	// pendingBodies holds the full coin.Block for every hash currently known
	// to the BlockTree but not yet attached to the main chain: a side-branch
	// block may be promoted by a later reorg, and attach needs its
	// transactions to apply it. Bodies are dropped once attached. This is an
	// in-memory cache only — it does not survive a restart, a simplification
	// recorded in DESIGN.md.
	pendingBodies map[coin.Hash]coin.Block

	// lastDetached carries the transactions a just-completed reorg's detach
	// pass returned, from applyChanges to reconcilePool within the same
	// Append call.
	lastDetached []coin.Transaction
}

// New constructs a LedgerEngine. Against a store that has never seen a
// block it inserts the chain's genesis (spec §8 S1's "fresh engine ...
// default chain"); against a store that already holds committed history it
// rebuilds BlockTree and SpendablesTrie from it instead (spec §4.1's
// assign, and §5's "a crash after commit preserves the chain up to the
// last committed block" — a restart must be able to pick that chain back
// up, not just the on-disk rows).
//
// Genesis is always stored at count 1, matching BlockTree.Count's
// depth+1 numbering, so the store's block rows are a contiguous run
// starting at 1 with no special-cased count 0.
func New(cfg Config) (*LedgerEngine, error) {
	ev := func(v string, args ...any) {
		if cfg.EvHandler != nil {
			cfg.EvHandler(v, args...)
		}
	}

	clock := cfg.Clock
	if clock == nil {
		clock = systemClock{}
	}

	trie := spendables.New()

	e := &LedgerEngine{
		store:         cfg.Store,
		tree:          blocktree.New(),
		trie:          trie,
		pool:          claimpool.New(trie, cfg.Script, cfg.MinFee),
		verify:        verifier.New(cfg.Script),
		params:        cfg.Params,
		script:        cfg.Script,
		clock:         clock,
		evHandler:     ev,
		pendingBodies: make(map[coin.Hash]coin.Block),
	}

	gen := cfg.Params.GenesisBlock()
	genRef := coin.RefFromHeader(gen.Header)

	_, err := e.store.GetBlock(1)
	switch {
	case err == nil:
		if err := e.rebuildFromStore(genRef); err != nil {
			return nil, err
		}
		ev("engine: New: rebuilt from existing store: tip[%s]", e.tree.Best().Hash())
		return e, nil

	case errors.Is(err, chainstore.ErrNotFound):
		// Fresh store: fall through to the genesis-insert path below.

	default:
		return nil, fmt.Errorf("engine: check existing genesis: %w", err)
	}

	if _, err := e.tree.Insert(genRef); err != nil {
		return nil, fmt.Errorf("engine: init genesis: %w", err)
	}
	if err := e.tree.MarkBodied(genRef.Hash); err != nil {
		return nil, fmt.Errorf("engine: mark genesis bodied: %w", err)
	}
	if err := e.tree.MarkCommitted(genRef.Hash); err != nil {
		return nil, fmt.Errorf("engine: mark genesis committed: %w", err)
	}
	if err := e.store.InsertBlock(1, gen.Header); err != nil {
		return nil, fmt.Errorf("engine: store genesis: %w", err)
	}

	ev("engine: New: genesis committed: hash[%s]", gen.Hash())

	return e, nil
}

// rebuildFromStore repopulates BlockTree and SpendablesTrie from an
// existing store's blocks and unspents tables. genRef is the configured
// chain's genesis, checked against the store's own count-1 row so a node
// can't be pointed at the wrong chain's database.
func (e *LedgerEngine) rebuildFromStore(genRef coin.BlockRef) error {
	var refs []coin.BlockRef
	for count := uint64(1); ; count++ {
		h, err := e.store.GetBlock(count)
		if err != nil {
			if errors.Is(err, chainstore.ErrNotFound) {
				break
			}
			return fmt.Errorf("engine: rebuild: get block %d: %w", count, err)
		}
		refs = append(refs, coin.RefFromHeader(h))
	}
	if len(refs) == 0 {
		return fmt.Errorf("engine: rebuild: store reports a genesis row but none could be read")
	}
	if refs[0].Hash != genRef.Hash {
		return fmt.Errorf("engine: rebuild: store genesis %s does not match configured genesis %s", refs[0].Hash, genRef.Hash)
	}

	if err := e.tree.Assign(refs); err != nil {
		return fmt.Errorf("engine: rebuild: assign block tree: %w", err)
	}

	// The tip's store count equals len(refs): counts run 1..len(refs)
	// contiguously, genesis first.
	tipCount := uint64(len(refs))

	unspents, err := e.store.AllUnspents()
	if err != nil {
		return fmt.Errorf("engine: rebuild: all unspents: %w", err)
	}

	for _, u := range unspents {
		if u.IsCoinbase() && tipCount < u.BlockCount()+coinbaseMaturity {
			if err := e.trie.InsertImmature(u); err != nil {
				return fmt.Errorf("engine: rebuild: insert immature %s: %w", u.Outpoint, err)
			}
			continue
		}
		if err := e.trie.Insert(u); err != nil {
			return fmt.Errorf("engine: rebuild: insert unspent %s: %w", u.Outpoint, err)
		}
	}

	return nil
}

// PurgeDepth sets the block-count boundary below which Spendings and
// Confirmations may be discarded.
func (e *LedgerEngine) PurgeDepth(n uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.purgeDepth = n
}

// ValidationDepth sets the block-count threshold above which the
// authenticated SpendablesTrie becomes active. Below it hashing is turned
// off; Append turns it back on once the tip reaches the threshold.
func (e *LedgerEngine) ValidationDepth(n uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.validationDepth = n
	_ = e.trie.SetAuthenticated(e.tipHeightLocked() >= n)
}

// VerificationDepth sets the block-count threshold above which input
// signatures are checked during attach.
func (e *LedgerEngine) VerificationDepth(n uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.verificationDepth = n
}

// ScriptToUnspents records whether a script-indexed view of Unspents is
// wanted for address queries. The flag is only stored: the store's
// migrations always create the script index, and GetUnspents does not
// consult this setting.
func (e *LedgerEngine) ScriptToUnspents(on bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.scriptToUnspents = on
}

// LazyPurge toggles whether Append runs purge (step 10 of append) after
// every commit. While it is on, Append skips purge, and no exported method
// runs it instead.
func (e *LedgerEngine) LazyPurge(on bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lazyPurge = on
}

func (e *LedgerEngine) tipHeightLocked() uint64 {
	best := e.tree.Best()
	h, ok := e.tree.Height(best)
	if !ok || h < 0 {
		return 0
	}
	return uint64(h)
}
