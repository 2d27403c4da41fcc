package persistence

import (
	"context"
	"sync"
	"time"

	"grid-core/internal/book"
	"grid-core/pkg/db"
	"grid-core/pkg/exchange"
	"grid-core/pkg/logger"
)

var log = logger.Component("persistence")

// Writer coalesces snapshot writes: every book mutation hands in the full
// current state, and only the latest view per symbol reaches disk on each
// flush. The snapshot is display-state only — restore never trusts it over
// the exchange — so losing an intermediate write is harmless.
type Writer struct {
	db       *db.Database
	interval time.Duration

	mu      sync.Mutex
	pending map[string]book.View

	done chan struct{}
	wg   sync.WaitGroup
}

func NewWriter(database *db.Database, interval time.Duration) *Writer {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	w := &Writer{
		db:       database,
		interval: interval,
		pending:  make(map[string]book.View),
		done:     make(chan struct{}),
	}
	w.wg.Add(1)
	go w.loop()
	return w
}

// Save queues the latest view of a symbol for the next flush.
func (w *Writer) Save(view book.View) {
	w.mu.Lock()
	w.pending[view.Symbol] = view
	w.mu.Unlock()
}

// Flush writes everything queued. Called from the background loop and once
// more on Close so shutdown never drops the final state.
func (w *Writer) Flush() {
	w.mu.Lock()
	batch := w.pending
	w.pending = make(map[string]book.View)
	w.mu.Unlock()

	for symbol, view := range batch {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := w.db.ReplaceSymbolSnapshot(ctx, toSnapshot(view))
		cancel()
		if err != nil {
			log.WithError(err).WithField("symbol", symbol).Error("snapshot write failed")
		}
	}
}

// Close flushes the queue and stops the background loop.
func (w *Writer) Close() {
	close(w.done)
	w.wg.Wait()
	w.Flush()
}

func (w *Writer) loop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.Flush()
		}
	}
}

func toSnapshot(view book.View) db.SymbolSnapshot {
	snap := db.SymbolSnapshot{Symbol: view.Symbol}
	for _, side := range []exchange.PositionSide{exchange.PositionLong, exchange.PositionShort} {
		sv := view.SideOf(side)
		for _, p := range sv.Positions {
			snap.Positions = append(snap.Positions, db.PositionRow{
				Symbol: view.Symbol, Side: string(side), Level: p.Level,
				EntryPrice: p.EntryPrice, Qty: p.Qty, OrderID: p.OrderID, OpenedAt: p.OpenedAt,
			})
		}
		for _, r := range sv.Reservations {
			snap.Reservations = append(snap.Reservations, db.ReservationRow{
				Symbol: view.Symbol, Side: string(side), Level: r.Level,
				OrderID: r.OrderID, TargetPrice: r.TargetPrice,
			})
		}
		if sv.Protective != nil {
			snap.Protective = append(snap.Protective, db.ProtectiveRow{
				Symbol: view.Symbol, Side: string(side), OrderID: sv.Protective.OrderID,
				TriggerPrice: sv.Protective.TriggerPrice, Qty: sv.Protective.Qty,
			})
		}
	}
	return snap
}
