package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rlp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"possession/core/events"
	"possession/core/genesis"
	nhbstate "possession/core/state"
	"possession/core/types"
	"possession/native/possession"
	"possession/observability"
	"possession/observability/logging"
	telemetry "possession/observability/otel"
	"possession/storage"
	"possession/storage/trie"
)

var headKey = []byte("possession/head")

type chainHead struct {
	Root   common.Hash
	Height uint64
}

// Options configure a Node.
type Options struct {
	// GenesisPath is applied once, when the database holds no state yet.
	GenesisPath string
	// Authority seeds the neutral authority if neither genesis nor state set
	// one.
	Authority    common.Address
	EventLogSize int
	Logger       *slog.Logger
	// Now overrides the wall clock, in unix seconds.
	Now func() int64
}

// Node is the central controller. It serialises every state transition,
// commits successful ones to the trie and rolls failed ones back, so each
// operation is atomic and operations are totally ordered.
type Node struct {
	db      storage.Database
	trie    *trie.Trie
	height  uint64
	stateMu sync.Mutex

	events  *eventLog
	logger  *slog.Logger
	metrics *observability.PossessionMetrics
	tracer  trace.Tracer
	nowFn   func() int64
}

// NewNode opens the state stored in db, bootstrapping it from genesis when the
// database is empty.
func NewNode(db storage.Database, opts Options) (*Node, error) {
	if db == nil {
		return nil, fmt.Errorf("database must not be nil")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	nowFn := opts.Now
	if nowFn == nil {
		nowFn = func() int64 { return time.Now().Unix() }
	}

	head, found, err := loadHead(db)
	if err != nil {
		return nil, err
	}
	if !found && opts.GenesisPath != "" {
		spec, err := genesis.LoadGenesisSpec(opts.GenesisPath)
		if err != nil {
			return nil, err
		}
		root, err := genesis.BuildGenesisFromSpec(spec, db)
		if err != nil {
			return nil, err
		}
		head = chainHead{Root: root}
		if err := storeHead(db, head); err != nil {
			return nil, err
		}
		logger.Info("genesis applied", slog.String("root", root.Hex()), slog.String("path", opts.GenesisPath))
	}
	if head.Root == (common.Hash{}) {
		head.Root = gethtypes.EmptyRootHash
	}

	stateTrie, err := trie.NewTrie(db, head.Root.Bytes())
	if err != nil {
		return nil, fmt.Errorf("open state at %s: %w", head.Root.Hex(), err)
	}

	n := &Node{
		db:      db,
		trie:    stateTrie,
		height:  head.Height,
		events:  newEventLog(opts.EventLogSize),
		logger:  logger.With(slog.String("component", "core")),
		metrics: observability.Possession(),
		tracer:  telemetry.Tracer("possession/core"),
		nowFn:   nowFn,
	}

	if opts.Authority != (common.Address{}) {
		if err := n.seedAuthority(opts.Authority); err != nil {
			return nil, err
		}
	}
	live, err := n.LiveDeals()
	if err != nil {
		return nil, fmt.Errorf("count live deals: %w", err)
	}
	n.metrics.SetLiveDeals(live)
	return n, nil
}

// seedAuthority records the configured authority unless state already has one,
// so a restart never overrides a handover.
func (n *Node) seedAuthority(addr common.Address) error {
	_, err := n.PossessionAuthority()
	if err == nil {
		return nil
	}
	if !errors.Is(err, possession.ErrAuthorityNotConfigured) {
		return err
	}
	err = n.apply(context.Background(), "init_authority", func(tx *txn) error {
		return tx.engine.InitAuthority(addr)
	})
	if err != nil {
		return fmt.Errorf("seed authority: %w", err)
	}
	return nil
}

func loadHead(db storage.Database) (chainHead, bool, error) {
	raw, err := db.Get(headKey)
	if errors.Is(err, storage.ErrNotFound) {
		return chainHead{}, false, nil
	}
	if err != nil {
		return chainHead{}, false, fmt.Errorf("load head: %w", err)
	}
	var head chainHead
	if err := rlp.DecodeBytes(raw, &head); err != nil {
		return chainHead{}, false, fmt.Errorf("decode head: %w", err)
	}
	return head, true, nil
}

func storeHead(db storage.Database, head chainHead) error {
	encoded, err := rlp.EncodeToBytes(head)
	if err != nil {
		return err
	}
	return db.Put(headKey, encoded)
}

// txn is the per-operation view handed to apply callbacks.
type txn struct {
	engine  *possession.Engine
	state   *nhbstate.Manager
	pending *events.Buffer
}

// emit queues an event raised outside the deal engine.
func (t *txn) emit(evt *types.Event) {
	if evt != nil {
		t.pending.Emit(nodeEvent{evt: evt})
	}
}

type nodeEvent struct {
	evt *types.Event
}

func (e nodeEvent) EventType() string   { return e.evt.Type }
func (e nodeEvent) Event() *types.Event { return e.evt }

func (n *Node) newEngine(manager *nhbstate.Manager, emitter events.Emitter) *possession.Engine {
	engine := possession.NewEngine()
	engine.SetState(manager)
	engine.SetEmitter(emitter)
	engine.SetNowFunc(n.nowFn)
	return engine
}

// apply runs op against the current state. On success the trie is committed
// and the head persisted before the events are published; on any failure the
// uncommitted changes are discarded.
func (n *Node) apply(ctx context.Context, op string, fn func(*txn) error) (err error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	_, span := n.tracer.Start(ctx, "possession."+op, trace.WithAttributes(attribute.String("possession.operation", op)))
	start := time.Now()
	defer func() {
		n.metrics.RecordTransition(op, err, time.Since(start))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	parent := n.trie.Root()
	pending := new(events.Buffer)
	manager := nhbstate.NewManager(n.trie)
	tx := &txn{engine: n.newEngine(manager, pending), state: manager, pending: pending}
	if err := fn(tx); err != nil {
		pending.Discard()
		if resetErr := n.trie.Reset(parent); resetErr != nil {
			return errors.Join(err, fmt.Errorf("rollback to %s: %w", parent.Hex(), resetErr))
		}
		return err
	}

	height := n.height + 1
	root, err := n.trie.Commit(parent, height)
	if err == nil {
		err = storeHead(n.db, chainHead{Root: root, Height: height})
	}
	if err != nil {
		pending.Discard()
		if resetErr := n.trie.Reset(parent); resetErr != nil {
			return errors.Join(fmt.Errorf("commit: %w", err), resetErr)
		}
		return fmt.Errorf("commit: %w", err)
	}
	n.height = height
	span.SetAttributes(attribute.String("possession.root", root.Hex()))
	if live, err := manager.LiveDeals(); err == nil {
		n.metrics.SetLiveDeals(live)
	} else {
		n.logger.Warn("count live deals", slog.Any("error", err))
	}

	pending.Flush(eventRecorder{node: n, height: height})
	return nil
}

type eventRecorder struct {
	node   *Node
	height uint64
}

func (r eventRecorder) Emit(evt events.Event) {
	payload := payloadOf(evt)
	if r.node == nil || payload == nil {
		return
	}
	rec := r.node.events.append(r.height, payload)
	r.node.observeEvent(rec)
}

func (n *Node) observeEvent(rec RecordedEvent) {
	attrs := rec.Event.Attributes
	if rec.Event.Type == possession.EventTypeStakesClaimed {
		n.metrics.RecordForfeiture(attrs["authority"])
	}
	n.logger.Info("event committed",
		slog.String("type", rec.Event.Type),
		slog.Uint64("sequence", rec.Sequence),
		slog.Uint64("height", rec.Height),
		slog.String("key", attrs["key"]),
		logging.MaskField("data", attrs["data"]),
	)
}

// Height returns the number of committed transactions.
func (n *Node) Height() uint64 {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.height
}

// StateRoot returns the last committed state root.
func (n *Node) StateRoot() common.Hash {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.trie.Root()
}

// SubscribeEvents streams events committed after sequence after. The backlog
// holds the retained events already past the cursor; updates carries the ones
// committed later and is closed when cancel runs, when ctx ends or when the
// subscriber falls too far behind.
func (n *Node) SubscribeEvents(ctx context.Context, after uint64) (<-chan RecordedEvent, func(), []RecordedEvent, error) {
	if n == nil || n.events == nil {
		return nil, nil, nil, fmt.Errorf("node not initialised")
	}
	updates, cancel, backlog := n.events.subscribe(after)
	if ctx != nil {
		go func() {
			<-ctx.Done()
			cancel()
		}()
	}
	return updates, cancel, backlog, nil
}

// LiveDeals returns the number of deals held in committed state.
func (n *Node) LiveDeals() (uint64, error) {
	var count uint64
	err := n.read(func(tx *txn) error {
		var err error
		count, err = tx.state.LiveDeals()
		return err
	})
	return count, err
}

// Events returns up to limit committed events recorded after sequence after.
func (n *Node) Events(after uint64, limit int) []RecordedEvent {
	return n.events.since(after, limit)
}

func (n *Node) read(fn func(*txn) error) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	manager := nhbstate.NewManager(n.trie)
	return fn(&txn{engine: n.newEngine(manager, events.NoopEmitter{}), state: manager, pending: new(events.Buffer)})
}

// LedgerTransfer moves the caller's own balance to another account.
func (n *Node) LedgerTransfer(ctx context.Context, caller, asset, to common.Address, amount *big.Int) error {
	if caller == possession.VaultAddress {
		return fmt.Errorf("ledger transfer: %w", possession.ErrCustodyAccount)
	}
	return n.apply(ctx, "ledger_transfer", func(tx *txn) error {
		if err := tx.state.Transfer(asset, caller, to, amount); err != nil {
			return err
		}
		tx.emit(newLedgerTransferEvent(asset, caller, to, amount))
		return nil
	})
}

// LedgerBalance returns the balance of account in asset.
func (n *Node) LedgerBalance(asset, account common.Address) (*big.Int, error) {
	var balance *big.Int
	err := n.read(func(tx *txn) error {
		var err error
		balance, err = tx.state.BalanceOf(asset, account)
		return err
	})
	return balance, err
}

// RegistryTransfer hands an item held by caller to a new holder.
func (n *Node) RegistryTransfer(ctx context.Context, caller, registry common.Address, itemID *big.Int, to common.Address) error {
	if caller == possession.VaultAddress {
		return fmt.Errorf("registry transfer: %w", possession.ErrCustodyAccount)
	}
	return n.apply(ctx, "registry_transfer", func(tx *txn) error {
		if err := tx.state.TransferItem(registry, itemID, caller, to); err != nil {
			return err
		}
		tx.emit(newRegistryTransferEvent(registry, itemID, caller, to))
		return nil
	})
}

// RegistryOwnerOf returns the current holder of an item.
func (n *Node) RegistryOwnerOf(registry common.Address, itemID *big.Int) (common.Address, bool, error) {
	var (
		holder common.Address
		ok     bool
	)
	err := n.read(func(tx *txn) error {
		var err error
		holder, ok, err = tx.state.OwnerOf(registry, itemID)
		return err
	})
	return holder, ok, err
}

const (
	EventTypeLedgerTransfer   = "ledger.transfer"
	EventTypeRegistryTransfer = "registry.transfer"
)

func newLedgerTransferEvent(asset, from, to common.Address, amount *big.Int) *types.Event {
	return &types.Event{Type: EventTypeLedgerTransfer, Attributes: map[string]string{
		"asset":  asset.Hex(),
		"from":   from.Hex(),
		"to":     to.Hex(),
		"amount": amount.String(),
	}}
}

func newRegistryTransferEvent(registry common.Address, itemID *big.Int, from, to common.Address) *types.Event {
	return &types.Event{Type: EventTypeRegistryTransfer, Attributes: map[string]string{
		"registry": registry.Hex(),
		"itemId":   itemID.String(),
		"from":     from.Hex(),
		"to":       to.Hex(),
	}}
}
