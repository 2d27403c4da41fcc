package order

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"grid-core/internal/events"
	"grid-core/pkg/exchange"
)

type fakeGateway struct {
	mu        sync.Mutex
	submitted []exchange.OrderRequest
	canceled  []string

	submitFn func(exchange.OrderRequest) (exchange.OrderResult, error)
	cancelFn func(clientID string) error
}

func (f *fakeGateway) SubmitOrder(_ context.Context, req exchange.OrderRequest) (exchange.OrderResult, error) {
	f.mu.Lock()
	f.submitted = append(f.submitted, req)
	f.mu.Unlock()
	if f.submitFn != nil {
		return f.submitFn(req)
	}
	return exchange.OrderResult{ClientID: req.ClientID, Status: exchange.StatusNew}, nil
}

func (f *fakeGateway) CancelOrder(_ context.Context, _ string, clientID string) error {
	f.mu.Lock()
	f.canceled = append(f.canceled, clientID)
	f.mu.Unlock()
	if f.cancelFn != nil {
		return f.cancelFn(clientID)
	}
	return nil
}

func (f *fakeGateway) MarkPrice(context.Context, string) (float64, error) { return 0, nil }
func (f *fakeGateway) Position(context.Context, string, exchange.PositionSide) (exchange.PositionInfo, error) {
	return exchange.PositionInfo{}, nil
}
func (f *fakeGateway) Balance(context.Context) (exchange.BalanceSnapshot, error) {
	return exchange.BalanceSnapshot{}, nil
}
func (f *fakeGateway) RealizedPnL(context.Context, string, string) (float64, error) { return 0, nil }
func (f *fakeGateway) Filters(context.Context, string) (exchange.SymbolFilters, error) {
	return exchange.SymbolFilters{}, nil
}
func (f *fakeGateway) SetLeverage(context.Context, string, int) error { return nil }

func (f *fakeGateway) requests() []exchange.OrderRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]exchange.OrderRequest, len(f.submitted))
	copy(out, f.submitted)
	return out
}

func TestPlaceEntryImmediateFill(t *testing.T) {
	gw := &fakeGateway{
		submitFn: func(req exchange.OrderRequest) (exchange.OrderResult, error) {
			return exchange.OrderResult{
				ClientID: req.ClientID, Status: exchange.StatusFilled,
				FilledQty: req.Qty, AvgFillPrice: req.Price,
			}, nil
		},
	}
	p := NewPlacer(gw, Config{EntryTimeout: time.Second, EntryRetries: 3})

	fill, err := p.PlaceEntry(context.Background(), "BTCUSDT", exchange.PositionLong, 0.5, 50000, nil)
	if err != nil {
		t.Fatalf("PlaceEntry: %v", err)
	}
	if fill.Qty != 0.5 || fill.Price != 50000 {
		t.Fatalf("fill = %+v, want qty 0.5 price 50000", fill)
	}
	if n := len(gw.requests()); n != 1 {
		t.Fatalf("submitted %d orders, want 1", n)
	}
}

func TestPlaceEntryFillsViaUpdate(t *testing.T) {
	gw := &fakeGateway{}
	p := NewPlacer(gw, Config{EntryTimeout: time.Second, EntryRetries: 1})

	go func() {
		// Wait until the limit order is on the wire, then deliver the fill.
		for {
			reqs := gw.requests()
			if len(reqs) > 0 {
				p.HandleUpdate(events.OrderUpdate{
					Symbol:    "BTCUSDT",
					ClientID:  reqs[0].ClientID,
					Status:    exchange.StatusFilled,
					FilledQty: 0.5,
					AvgPrice:  49990,
				})
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	fill, err := p.PlaceEntry(context.Background(), "BTCUSDT", exchange.PositionLong, 0.5, 50000, nil)
	if err != nil {
		t.Fatalf("PlaceEntry: %v", err)
	}
	if fill.Price != 49990 {
		t.Fatalf("fill price = %v, want 49990", fill.Price)
	}
}

func TestPlaceEntryRetriesThenMarketFallback(t *testing.T) {
	gw := &fakeGateway{}
	p := NewPlacer(gw, Config{EntryTimeout: 20 * time.Millisecond, EntryRetries: 2})

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Fill only the eventual market order; limit attempts time out.
		for {
			for _, req := range gw.requests() {
				if req.Type == exchange.OrderTypeMarket {
					p.HandleUpdate(events.OrderUpdate{
						Symbol: "BTCUSDT", ClientID: req.ClientID,
						Status: exchange.StatusFilled, FilledQty: 1, AvgPrice: 50100,
					})
					return
				}
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	refreshes := 0
	refresh := func(context.Context) (float64, error) {
		refreshes++
		return 50050, nil
	}

	fill, err := p.PlaceEntry(context.Background(), "BTCUSDT", exchange.PositionLong, 1, 50000, refresh)
	<-done
	if err != nil {
		t.Fatalf("PlaceEntry: %v", err)
	}
	if fill.Price != 50100 {
		t.Fatalf("fill price = %v, want market fill 50100", fill.Price)
	}

	reqs := gw.requests()
	// 2 limit attempts then 1 market order.
	if len(reqs) != 3 {
		t.Fatalf("submitted %d orders, want 3", len(reqs))
	}
	if reqs[0].Type != exchange.OrderTypeLimit || reqs[1].Type != exchange.OrderTypeLimit || reqs[2].Type != exchange.OrderTypeMarket {
		t.Fatalf("order types = %v %v %v", reqs[0].Type, reqs[1].Type, reqs[2].Type)
	}
	if reqs[1].Price != 50050 {
		t.Fatalf("retry price = %v, want refreshed 50050", reqs[1].Price)
	}
	if refreshes != 2 {
		t.Fatalf("refreshes = %d, want 2", refreshes)
	}
	if len(gw.canceled) != 2 {
		t.Fatalf("canceled %d orders, want 2", len(gw.canceled))
	}
}

func TestPlaceEntryCancelRaceCountsAsFill(t *testing.T) {
	gw := &fakeGateway{}
	p := NewPlacer(gw, Config{EntryTimeout: 20 * time.Millisecond, EntryRetries: 1})

	// Cancel reports NotFound because the order filled first; the late fill
	// confirmation must still be honored.
	gw.cancelFn = func(clientID string) error {
		go func() {
			time.Sleep(10 * time.Millisecond)
			p.HandleUpdate(events.OrderUpdate{
				Symbol: "BTCUSDT", ClientID: clientID,
				Status: exchange.StatusFilled, FilledQty: 1, AvgPrice: 50000,
			})
		}()
		return exchange.ErrOrderNotFound
	}

	fill, err := p.PlaceEntry(context.Background(), "BTCUSDT", exchange.PositionShort, 1, 50000, nil)
	if err != nil {
		t.Fatalf("PlaceEntry: %v", err)
	}
	if fill.Price != 50000 {
		t.Fatalf("fill price = %v, want 50000", fill.Price)
	}
	if n := len(gw.requests()); n != 1 {
		t.Fatalf("submitted %d orders, want 1 (race resolved as fill)", n)
	}
}

func TestPlaceEntryRejectedPropagates(t *testing.T) {
	gw := &fakeGateway{
		submitFn: func(req exchange.OrderRequest) (exchange.OrderResult, error) {
			return exchange.OrderResult{}, exchange.ErrOrderRejected
		},
	}
	p := NewPlacer(gw, Config{EntryTimeout: time.Second, EntryRetries: 3})

	_, err := p.PlaceEntry(context.Background(), "BTCUSDT", exchange.PositionLong, 1, 50000, nil)
	if !errors.Is(err, exchange.ErrOrderRejected) {
		t.Fatalf("err = %v, want ErrOrderRejected", err)
	}
	if n := len(gw.requests()); n != 1 {
		t.Fatalf("submitted %d orders, want 1 (no retry on rejection)", n)
	}
}

func TestRetryWithBackoff(t *testing.T) {
	calls := 0
	err := RetryWithBackoff(context.Background(), 3, time.Millisecond, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("RetryWithBackoff: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}

	calls = 0
	err = RetryWithBackoff(context.Background(), 2, time.Millisecond, func(context.Context) error {
		calls++
		return errors.New("permanent")
	})
	if err == nil || err.Error() != "permanent" {
		t.Fatalf("err = %v, want permanent", err)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
}
