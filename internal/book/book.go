package book

import (
	"sync"
	"time"

	"github.com/google/btree"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ORDER BOOK - per-round central limit book on the YES price scale
// ═══════════════════════════════════════════════════════════════════════════════
//
// Two btree sides keyed by (price, seq): bids iterate price-descending,
// asks price-ascending, and within a price level the lower sequence number
// (earlier insertion) always comes first. Price-time priority falls out of
// the key ordering.
//
// ═══════════════════════════════════════════════════════════════════════════════

const btreeDegree = 16

// Side of the book
type Side string

const (
	Bid Side = "bid"
	Ask Side = "ask"
)

// Opposite returns the other side
func (s Side) Opposite() Side {
	if s == Bid {
		return Ask
	}
	return Bid
}

// Entry is one resting order
type Entry struct {
	OrderID      string
	UserID       int64
	Price        int // YES scale, 1..99
	Remaining    int64
	CostPerShare int // integer cents reserved per share
	Seq          uint64
	CreatedAt    time.Time
}

// Level is one aggregated display row; no user data is exposed
type Level struct {
	Price  int   `json:"price"`
	Shares int64 `json:"shares"`
}

// Snapshot is the aggregated book for display
type Snapshot struct {
	Bids []Level `json:"bids"`
	Asks []Level `json:"asks"`
}

// item implements btree.Item; key is the price for asks and the negated
// price for bids so both sides iterate best-first in ascending key order.
type item struct {
	key   int
	seq   uint64
	entry *Entry
}

func (a *item) Less(b btree.Item) bool {
	o := b.(*item)
	if a.key != o.key {
		return a.key < o.key
	}
	return a.seq < o.seq
}

type bookSide struct {
	tree *btree.BTree
	bid  bool
}

func newBookSide(bid bool) *bookSide {
	return &bookSide{tree: btree.New(btreeDegree), bid: bid}
}

func (s *bookSide) key(price int) int {
	if s.bid {
		return -price
	}
	return price
}

func (s *bookSide) insert(e *Entry) {
	s.tree.ReplaceOrInsert(&item{key: s.key(e.Price), seq: e.Seq, entry: e})
}

func (s *bookSide) remove(e *Entry) {
	s.tree.Delete(&item{key: s.key(e.Price), seq: e.Seq})
}

// iterate visits entries best-first
func (s *bookSide) iterate(fn func(*Entry) bool) {
	s.tree.Ascend(func(it btree.Item) bool {
		return fn(it.(*item).entry)
	})
}

func (s *bookSide) best() *Entry {
	it := s.tree.Min()
	if it == nil {
		return nil
	}
	return it.(*item).entry
}

// Book holds both sides of one round's order book
type Book struct {
	mu   sync.RWMutex
	seq  uint64
	bids *bookSide
	asks *bookSide
	byID map[string]*entryRef
}

type entryRef struct {
	entry *Entry
	side  Side
}

// New creates an empty book
func New() *Book {
	return &Book{
		bids: newBookSide(true),
		asks: newBookSide(false),
		byID: make(map[string]*entryRef),
	}
}

func (b *Book) side(s Side) *bookSide {
	if s == Bid {
		return b.bids
	}
	return b.asks
}

// Insert rests an entry; the sequence number fixes its time priority.
// Entries must be inserted in createdAt order for priority to hold across
// a restart reload.
func (b *Book) Insert(side Side, e Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	e.Seq = b.seq
	entry := &e
	b.side(side).insert(entry)
	b.byID[e.OrderID] = &entryRef{entry: entry, side: side}
}

// Remove unlinks an entry by order ID
func (b *Book) Remove(orderID string) (Entry, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ref, ok := b.byID[orderID]
	if !ok {
		return Entry{}, false
	}
	b.side(ref.side).remove(ref.entry)
	delete(b.byID, orderID)
	return *ref.entry, true
}

// Get returns a copy of a resting entry
func (b *Book) Get(orderID string) (Entry, Side, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ref, ok := b.byID[orderID]
	if !ok {
		return Entry{}, "", false
	}
	return *ref.entry, ref.side, true
}

// Fill reduces a resting entry's remaining shares, unlinking it at zero
func (b *Book) Fill(orderID string, qty int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ref, ok := b.byID[orderID]
	if !ok {
		return
	}
	ref.entry.Remaining -= qty
	if ref.entry.Remaining <= 0 {
		b.side(ref.side).remove(ref.entry)
		delete(b.byID, orderID)
	}
}

// Iterate visits one side best-first. The callback must not mutate the
// book; collect IDs and call Fill/Remove afterwards.
func (b *Book) Iterate(side Side, fn func(e Entry) bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	b.side(side).iterate(func(e *Entry) bool {
		return fn(*e)
	})
}

// BestBid returns the highest bid price
func (b *Book) BestBid() (int, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if e := b.bids.best(); e != nil {
		return e.Price, true
	}
	return 0, false
}

// BestAsk returns the lowest ask price
func (b *Book) BestAsk() (int, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if e := b.asks.best(); e != nil {
		return e.Price, true
	}
	return 0, false
}

// Len returns the number of resting entries
func (b *Book) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.byID)
}

// Depth aggregates remaining shares by price level for display
func (b *Book) Depth() Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()

	snap := Snapshot{Bids: []Level{}, Asks: []Level{}}

	var cur *Level
	b.bids.iterate(func(e *Entry) bool {
		if cur == nil || cur.Price != e.Price {
			snap.Bids = append(snap.Bids, Level{Price: e.Price})
			cur = &snap.Bids[len(snap.Bids)-1]
		}
		cur.Shares += e.Remaining
		return true
	})

	cur = nil
	b.asks.iterate(func(e *Entry) bool {
		if cur == nil || cur.Price != e.Price {
			snap.Asks = append(snap.Asks, Level{Price: e.Price})
			cur = &snap.Asks[len(snap.Asks)-1]
		}
		cur.Shares += e.Remaining
		return true
	})

	return snap
}

// Clear drops every entry
func (b *Book) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.bids = newBookSide(true)
	b.asks = newBookSide(false)
	b.byID = make(map[string]*entryRef)
}
