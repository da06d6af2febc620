// ws.go implements the fill-history websocket feed.
//
// The feed subscribes to the bot account's operation stream on the
// node and forwards fill operations (type 4) to a typed channel. It
// auto-reconnects with exponential backoff (1s → 30s max) and re-sends
// the subscription on reconnection. A read deadline detects silent
// server failures within ~2 missed pings.
package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"gridmaker/pkg/types"
)

const (
	pingInterval     = 50 * time.Second
	readTimeout      = 90 * time.Second
	maxReconnectWait = 30 * time.Second
	writeTimeout     = 10 * time.Second
	fillBufferSize   = 256
)

// Feed maintains the account-operations websocket subscription.
type Feed struct {
	url       string
	accountID string

	connMu sync.Mutex
	conn   *websocket.Conn

	fillCh chan types.FillOp
	logger *slog.Logger
}

// NewFeed creates a fill feed for one account on one node endpoint.
func NewFeed(wsURL, accountID string, logger *slog.Logger) *Feed {
	return &Feed{
		url:       wsURL,
		accountID: accountID,
		fillCh:    make(chan types.FillOp, fillBufferSize),
		logger:    logger.With("component", "ws_fills"),
	}
}

// Fills returns the read-only channel of fill operations.
func (f *Feed) Fills() <-chan types.FillOp { return f.fillCh }

// SetURL switches the node endpoint; takes effect on the next
// (re)connect. Used by the health monitor's failover.
func (f *Feed) SetURL(url string) {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	f.url = url
	if f.conn != nil {
		f.conn.Close() // force a reconnect onto the new node
	}
}

// Run connects and maintains the websocket with auto-reconnect.
// Blocks until ctx is cancelled.
func (f *Feed) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		f.logger.Warn("websocket disconnected, reconnecting", "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// Close tears down the connection.
func (f *Feed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *Feed) connectAndRead(ctx context.Context) error {
	f.connMu.Lock()
	url := f.url
	f.connMu.Unlock()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", ErrChainTransient, url, err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	sub := map[string]any{"op": "subscribe", "channel": "account_ops", "account": f.accountID}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("%w: subscribe: %v", ErrChainTransient, err)
	}

	f.logger.Info("fill feed connected", "node", url)

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx, conn)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("%w: read: %v", ErrChainTransient, err)
		}
		f.dispatch(msg)
	}
}

func (f *Feed) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (f *Feed) dispatch(data []byte) {
	var op types.FillOp
	if err := json.Unmarshal(data, &op); err != nil {
		f.logger.Debug("ignoring non-fill ws message")
		return
	}
	if op.OpType != types.FillOpType {
		return
	}
	select {
	case f.fillCh <- op:
	default:
		f.logger.Warn("fill channel full, dropping", "op", op.ID)
	}
}
