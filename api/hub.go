package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/xraph/credits/plugin"
)

// Message types sent over the balance stream.
const (
	MessageConnected    = "connected"
	MessageWalletUpdate = "wallet_update"
	MessagePing         = "ping"
	MessagePong         = "pong"
)

// subscriberBuffer is how many unsent updates a slow subscriber may hold
// before it is disconnected.
const subscriberBuffer = 16

// Message is one frame on the balance stream.
type Message struct {
	Type      string         `json:"type"`
	AccountID string         `json:"account_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

var (
	_ plugin.Plugin           = (*Hub)(nil)
	_ plugin.OnBalanceChanged = (*Hub)(nil)
)

// Hub fans committed balance changes out to websocket subscribers of the
// same account. Register it as a ledger plugin.
type Hub struct {
	logger *slog.Logger

	mu   sync.Mutex
	subs map[string]map[*subscriber]struct{}
}

type subscriber struct {
	account string
	updates chan Message
	// dropped is closed when the hub gives up on a subscriber that fell
	// behind.
	dropped chan struct{}
	once    sync.Once
}

func (s *subscriber) drop() { s.once.Do(func() { close(s.dropped) }) }

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{logger: logger, subs: make(map[string]map[*subscriber]struct{})}
}

// Name implements plugin.Plugin.
func (h *Hub) Name() string { return "balance-hub" }

// OnBalanceChanged implements plugin.OnBalanceChanged.
func (h *Hub) OnBalanceChanged(_ context.Context, change plugin.BalanceChange) error {
	h.Publish(change)
	return nil
}

// Publish delivers change to every subscriber of its account without
// blocking. Subscribers whose buffer is full are dropped.
func (h *Hub) Publish(change plugin.BalanceChange) {
	msg := Message{Type: MessageWalletUpdate, AccountID: change.AccountID, Data: change.Payload()}

	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs[change.AccountID] {
		select {
		case sub.updates <- msg:
		default:
			h.logger.Warn("balance stream subscriber too slow, dropping",
				"account_id", change.AccountID,
			)
			delete(h.subs[change.AccountID], sub)
			sub.drop()
		}
	}
}

// Subscribers returns how many streams are open for accountID.
func (h *Hub) Subscribers(accountID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[accountID])
}

func (h *Hub) subscribe(accountID string) *subscriber {
	sub := &subscriber{
		account: accountID,
		updates: make(chan Message, subscriberBuffer),
		dropped: make(chan struct{}),
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[accountID] == nil {
		h.subs[accountID] = make(map[*subscriber]struct{})
	}
	h.subs[accountID][sub] = struct{}{}
	return sub
}

func (h *Hub) unsubscribe(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs[sub.account], sub)
	if len(h.subs[sub.account]) == 0 {
		delete(h.subs, sub.account)
	}
}

// stream serves one websocket connection for accountID. initial is sent
// right after the connected frame.
func (h *Hub) stream(w http.ResponseWriter, r *http.Request, accountID string, initial *Message, origins []string) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: origins})
	if err != nil {
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	sub := h.subscribe(accountID)
	defer h.unsubscribe(sub)
	h.logger.Debug("balance stream connected", "account_id", accountID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var writeMu sync.Mutex
	write := func(m Message) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		wctx, wcancel := context.WithTimeout(ctx, 5*time.Second)
		defer wcancel()
		return wsjson.Write(wctx, conn, m)
	}

	if err := write(Message{Type: MessageConnected, AccountID: accountID}); err != nil {
		return
	}
	if initial != nil {
		if err := write(*initial); err != nil {
			return
		}
	}

	// Reader: answers pings and notices the client going away.
	go func() {
		defer cancel()
		for {
			var in Message
			if err := wsjson.Read(ctx, conn, &in); err != nil {
				return
			}
			if in.Type == MessagePing {
				if err := write(Message{Type: MessagePong}); err != nil {
					return
				}
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.dropped:
			_ = conn.Close(websocket.StatusPolicyViolation, "backpressure")
			return
		case m := <-sub.updates:
			if err := write(m); err != nil {
				h.logger.Debug("balance stream write failed", "account_id", accountID, "error", err)
				return
			}
		}
	}
}
