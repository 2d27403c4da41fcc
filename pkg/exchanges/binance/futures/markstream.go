package futures

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"grid-core/internal/events"
)

// MarkStream subscribes to the combined 1s mark price stream for a fixed set
// of symbols and emits a PriceTick per update.
type MarkStream struct {
	client  *Client
	symbols []string
	deliver func(events.Event)
}

func NewMarkStream(client *Client, symbols []string, deliver func(events.Event)) *MarkStream {
	return &MarkStream{client: client, symbols: symbols, deliver: deliver}
}

func (s *MarkStream) Start(ctx context.Context) {
	go s.run(ctx)
}

func (s *MarkStream) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := s.connectAndRead(ctx); err != nil && ctx.Err() == nil {
			log.WithError(err).Warn("mark price stream dropped, reconnecting")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectBackoff):
		}
	}
}

func (s *MarkStream) streamURL() string {
	names := make([]string, 0, len(s.symbols))
	for _, sym := range s.symbols {
		names = append(names, strings.ToLower(sym)+"@markPrice@1s")
	}
	return s.client.wsBaseURL + "/stream?streams=" + strings.Join(names, "/")
}

func (s *MarkStream) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.streamURL(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	log.WithField("symbols", len(s.symbols)).Info("mark price stream connected")

	for {
		_ = conn.SetReadDeadline(time.Now().Add(readDeadline))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var frame struct {
			Data struct {
				Symbol string `json:"s"`
				Mark   string `json:"p"`
				Time   int64  `json:"E"`
			} `json:"data"`
		}
		if err := json.Unmarshal(msg, &frame); err != nil || frame.Data.Symbol == "" {
			continue
		}
		s.deliver(events.PriceTick{
			Symbol: frame.Data.Symbol,
			Price:  parseFloat(frame.Data.Mark),
			At:     time.UnixMilli(frame.Data.Time),
		})
	}
}
