package notify

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"listing-engine/internal/ratelimit"
	"listing-engine/internal/telemetry"
)

// Hub fans raw event payloads out to websocket clients
type Hub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
	logger  *zap.Logger
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[*websocket.Conn]struct{}),
		logger:  zap.L().With(zap.String("component", "ws")),
	}
}

func (h *Hub) Add(ws *websocket.Conn) {
	h.mu.Lock()
	h.clients[ws] = struct{}{}
	telemetry.WSClients.Set(float64(len(h.clients)))
	h.mu.Unlock()
}

func (h *Hub) Remove(ws *websocket.Conn) {
	h.mu.Lock()
	delete(h.clients, ws)
	telemetry.WSClients.Set(float64(len(h.clients)))
	h.mu.Unlock()
	_ = ws.Close()
}

// Broadcast writes one message to every client, dropping the ones that fail
func (h *Hub) Broadcast(msg []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for ws := range h.clients {
		_ = ws.SetWriteDeadline(time.Now().Add(2 * time.Second))
		if err := ws.WriteMessage(websocket.TextMessage, msg); err != nil {
			_ = ws.Close()
			delete(h.clients, ws)
		}
	}
	telemetry.WSClients.Set(float64(len(h.clients)))
}

func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Relay forwards EventsChannel messages into the hub until ctx is done. A
// failed or dropped subscription is retried with a capped exponential backoff.
func Relay(ctx context.Context, client redis.UniversalClient, hub *Hub) {
	relay(ctx, client, hub, ratelimit.Sleep, time.Second, 30*time.Second)
}

func relay(ctx context.Context, client redis.UniversalClient, hub *Hub, sleep ratelimit.Sleeper, base, ceiling time.Duration) {
	wait := base
	for {
		subscribed, err := relayOnce(ctx, client, hub)
		if ctx.Err() != nil {
			return
		}
		if subscribed {
			wait = base
		}
		hub.logger.Warn("relay subscription lost, retrying", zap.Duration("in", wait), zap.Error(err))
		if sleep(ctx, wait) != nil {
			return
		}
		wait *= 2
		if wait > ceiling {
			wait = ceiling
		}
	}
}

// relayOnce runs one subscription. It reports whether the subscription was
// confirmed before it ended.
func relayOnce(ctx context.Context, client redis.UniversalClient, hub *Hub) (bool, error) {
	sub := client.Subscribe(ctx, EventsChannel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return false, eris.Wrap(err, "notify: subscribe")
	}
	hub.logger.Info("relay subscribed", zap.String("channel", EventsChannel))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return true, nil
		case msg, ok := <-ch:
			if !ok {
				return true, eris.New("notify: subscription closed")
			}
			hub.Broadcast([]byte(msg.Payload))
		}
	}
}
