package futures

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"grid-core/internal/events"
	"grid-core/pkg/exchange"
)

const (
	keepAliveEvery   = 30 * time.Minute
	reconnectBackoff = 5 * time.Second
	readDeadline     = 3 * time.Minute
)

// UserStream consumes the account's user data stream and converts Binance
// push messages into core events: order updates, executions, position
// snapshots and wallet changes. It reconnects forever with backoff and keeps
// the listen key alive; a drop is reported so consumers can force a
// reconcile once the stream is back.
type UserStream struct {
	client  *Client
	deliver func(events.Event)
	wallet  func(events.Wallet)
	onDrop  func()
}

func NewUserStream(client *Client, deliver func(events.Event), wallet func(events.Wallet), onDrop func()) *UserStream {
	return &UserStream{client: client, deliver: deliver, wallet: wallet, onDrop: onDrop}
}

// Start runs the stream until ctx is canceled.
func (s *UserStream) Start(ctx context.Context) {
	go s.run(ctx)
}

func (s *UserStream) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := s.connectAndRead(ctx); err != nil && ctx.Err() == nil {
			log.WithError(err).Warn("user stream dropped, reconnecting")
			if s.onDrop != nil {
				s.onDrop()
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectBackoff):
		}
	}
}

func (s *UserStream) connectAndRead(ctx context.Context) error {
	listenKey, err := s.client.CreateListenKey(ctx)
	if err != nil {
		return err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.client.wsBaseURL+"/ws/"+listenKey, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	log.Info("user stream connected")

	keepAlive := time.NewTicker(keepAliveEvery)
	defer keepAlive.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				conn.Close()
				return
			case <-keepAlive.C:
				if err := s.client.KeepAliveListenKey(ctx, listenKey); err != nil {
					log.WithError(err).Warn("listen key keepalive failed")
				}
			}
		}
	}()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(readDeadline))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		s.dispatch(msg)
	}
}

func (s *UserStream) dispatch(msg []byte) {
	var head struct {
		Event string `json:"e"`
		Time  int64  `json:"E"`
	}
	if err := json.Unmarshal(msg, &head); err != nil {
		return
	}
	at := time.UnixMilli(head.Time)

	switch head.Event {
	case "ORDER_TRADE_UPDATE":
		s.onOrderTradeUpdate(msg, at)
	case "ACCOUNT_UPDATE":
		s.onAccountUpdate(msg, at)
	case "listenKeyExpired":
		log.Warn("listen key expired")
	}
}

type orderTradeUpdate struct {
	Order struct {
		Symbol       string `json:"s"`
		ClientID     string `json:"c"`
		Side         string `json:"S"`
		PositionSide string `json:"ps"`
		Status       string `json:"X"`
		FilledQty    string `json:"z"`
		AvgPrice     string `json:"ap"`
		LastQty      string `json:"l"`
		LastPrice    string `json:"L"`
		RealizedPnl  string `json:"rp"`
		ReduceOnly   bool   `json:"R"`
	} `json:"o"`
}

func (s *UserStream) onOrderTradeUpdate(msg []byte, at time.Time) {
	var u orderTradeUpdate
	if err := json.Unmarshal(msg, &u); err != nil {
		log.WithError(err).Debug("bad order update payload")
		return
	}
	o := u.Order
	side := exchange.PositionSide(o.PositionSide)

	if lastQty := parseFloat(o.LastQty); lastQty > 0 {
		s.deliver(events.Execution{
			Symbol:    o.Symbol,
			ClientID:  o.ClientID,
			Side:      side,
			Qty:       lastQty,
			Price:     parseFloat(o.LastPrice),
			PnL:       parseFloat(o.RealizedPnl),
			ReduceAck: o.ReduceOnly || parseFloat(o.RealizedPnl) != 0,
			At:        at,
		})
	}
	s.deliver(events.OrderUpdate{
		Symbol:    o.Symbol,
		ClientID:  o.ClientID,
		Side:      side,
		Status:    mapStatus(o.Status),
		FilledQty: parseFloat(o.FilledQty),
		AvgPrice:  parseFloat(o.AvgPrice),
		At:        at,
	})
}

type accountUpdate struct {
	Data struct {
		Balances []struct {
			Asset         string `json:"a"`
			WalletBalance string `json:"wb"`
		} `json:"B"`
		Positions []struct {
			Symbol       string `json:"s"`
			PositionAmt  string `json:"pa"`
			EntryPrice   string `json:"ep"`
			PositionSide string `json:"ps"`
		} `json:"P"`
	} `json:"a"`
}

func (s *UserStream) onAccountUpdate(msg []byte, at time.Time) {
	var u accountUpdate
	if err := json.Unmarshal(msg, &u); err != nil {
		log.WithError(err).Debug("bad account update payload")
		return
	}

	for _, p := range u.Data.Positions {
		side := exchange.PositionSide(p.PositionSide)
		if side != exchange.PositionLong && side != exchange.PositionShort {
			continue
		}
		qty := parseFloat(p.PositionAmt)
		if qty < 0 {
			qty = -qty
		}
		s.deliver(events.PositionUpdate{
			Symbol:   p.Symbol,
			Side:     side,
			Qty:      qty,
			AvgPrice: parseFloat(p.EntryPrice),
			At:       at,
		})
	}

	// The push payload carries neither margin ratio nor free margin: cw is
	// the cross wallet balance and still includes margin locked by open
	// positions. Only equity travels on this path; available margin and the
	// ratio come from periodic pulls.
	if s.wallet != nil {
		for _, b := range u.Data.Balances {
			if b.Asset != "USDT" {
				continue
			}
			s.wallet(events.Wallet{
				Equity: parseFloat(b.WalletBalance),
				At:     at,
			})
		}
	}
}
