package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"rpcbatcher/internal/jsonrpc"
)

var errConnectionLost = errors.New("WebSocket connection lost")

// wsBatch collects the responses of one batch written to the connection
type wsBatch struct {
	origIDs   map[int64]jsonrpc.ID
	responses []*jsonrpc.Response
	remaining int
	err       error
	done      chan struct{}
	once      sync.Once
}

func (b *wsBatch) finish(err error) {
	b.once.Do(func() {
		b.err = err
		close(b.done)
	})
}

// WSClient owns a single WebSocket connection for an upstream and
// multiplexes concurrent batches on it. Request ids are rewritten to
// connection-unique integers and restored on the way back.
type WSClient struct {
	wsURL             string
	messageTimeout    time.Duration
	reconnectInterval time.Duration
	logger            zerolog.Logger

	conn    *websocket.Conn
	connMu  sync.RWMutex
	writeMu sync.Mutex

	pending   map[int64]*wsBatch
	pendingMu sync.Mutex
	reqID     atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWSClient creates a new WebSocket client for an upstream
func NewWSClient(wsURL string, messageTimeout time.Duration, reconnectInterval time.Duration, logger zerolog.Logger) *WSClient {
	if messageTimeout <= 0 {
		messageTimeout = 60 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WSClient{
		wsURL:             wsURL,
		messageTimeout:    messageTimeout,
		reconnectInterval: reconnectInterval,
		logger:            logger,
		pending:           make(map[int64]*wsBatch),
		ctx:               ctx,
		cancel:            cancel,
	}
}

// Connect establishes the WebSocket connection and starts the reader goroutine
func (c *WSClient) Connect(ctx context.Context) error {
	c.connMu.Lock()
	if c.conn != nil {
		c.connMu.Unlock()
		return nil
	}
	c.connMu.Unlock()

	c.logger.Info().Msg("WebSocket connecting")
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.wsURL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect WebSocket: %w", err)
	}

	c.setConn(conn)
	c.logger.Info().Msg("WebSocket connected")

	c.wg.Add(2)
	go c.readLoop()
	go c.pingLoop()
	return nil
}

func (c *WSClient) setConn(conn *websocket.Conn) {
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.messageTimeout))
	})
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
}

func (c *WSClient) currentConn() *websocket.Conn {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.conn
}

// Connected returns true if the WebSocket connection is established
func (c *WSClient) Connected() bool {
	return c.currentConn() != nil
}

// Close closes the connection, fails pending batches and stops the reader
func (c *WSClient) Close() {
	c.logger.Info().Msg("WebSocket closing")
	c.cancel()

	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connMu.Unlock()

	c.failPending(errConnectionLost)
	c.wg.Wait()
	c.logger.Info().Msg("WebSocket disconnected")
}

// SendBatch writes the requests as one JSON array and waits for their responses
func (c *WSClient) SendBatch(ctx context.Context, requests []*jsonrpc.Request) ([]*jsonrpc.Response, error) {
	if len(requests) == 0 {
		return nil, nil
	}

	batch := &wsBatch{
		origIDs:   make(map[int64]jsonrpc.ID, len(requests)),
		responses: make([]*jsonrpc.Response, 0, len(requests)),
		remaining: len(requests),
		done:      make(chan struct{}),
	}
	wire := make([]*jsonrpc.Request, len(requests))
	for i, req := range requests {
		id := c.reqID.Add(1)
		batch.origIDs[id] = req.ID
		wire[i] = req.WithID(jsonrpc.NewIDInt(id))
	}

	data, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal batch: %w", err)
	}

	c.pendingMu.Lock()
	for id := range batch.origIDs {
		c.pending[id] = batch
	}
	c.pendingMu.Unlock()

	conn := c.currentConn()
	if conn == nil {
		c.forget(batch)
		return nil, fmt.Errorf("WebSocket not connected")
	}

	c.writeMu.Lock()
	writeErr := conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if writeErr != nil {
		c.forget(batch)
		return nil, fmt.Errorf("failed to send batch: %w", writeErr)
	}

	select {
	case <-batch.done:
	case <-ctx.Done():
		c.forget(batch)
		return nil, ctx.Err()
	}

	if batch.err != nil {
		return nil, batch.err
	}
	return batch.responses, nil
}

// forget drops every pending id of a batch
func (c *WSClient) forget(batch *wsBatch) {
	c.pendingMu.Lock()
	for id := range batch.origIDs {
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
}

func (c *WSClient) failPending(err error) {
	c.pendingMu.Lock()
	pending := c.pending
	c.pending = make(map[int64]*wsBatch)
	c.pendingMu.Unlock()

	for _, batch := range pending {
		batch.finish(err)
	}
}

func (c *WSClient) pingLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.messageTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			conn := c.currentConn()
			if conn == nil {
				continue
			}
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(10*time.Second))
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Debug().Err(err).Msg("ping write failed")
			}
		}
	}
}

func (c *WSClient) readLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		conn := c.currentConn()
		if conn == nil {
			c.logger.Info().Msg("WebSocket reader stopped (no connection)")
			return
		}

		conn.SetReadDeadline(time.Now().Add(c.messageTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.ctx.Done():
				c.logger.Info().Msg("WebSocket reader stopped (shutdown)")
				return
			default:
			}

			c.logger.Warn().Err(err).Msg("WebSocket connection lost, reconnecting")
			if c.reconnect() {
				continue
			}
			c.logger.Info().Msg("WebSocket reader stopped (shutdown)")
			return
		}

		c.dispatchMessage(data)
	}
}

// dispatchMessage routes a response or an array of responses to their
// batches. A batch answered by an array is complete once that array has been
// routed, even if the upstream left some of its ids out.
func (c *WSClient) dispatchMessage(data []byte) {
	responses, isBatch, err := jsonrpc.ParseBatchResponse(data)
	if err != nil {
		c.logger.Warn().Err(err).Int("len", len(data)).Msg("ws message parse error")
		return
	}

	if !isBatch && len(responses) == 1 && responses[0] != nil && responses[0].ID.IsNull() {
		c.rejectOldest(responses[0])
		return
	}

	touched := make(map[*wsBatch]struct{})

	c.pendingMu.Lock()
	for _, resp := range responses {
		if resp == nil {
			continue
		}
		id, ok := wireID(resp.ID)
		if !ok {
			continue
		}
		batch, exists := c.pending[id]
		if !exists {
			continue
		}
		delete(c.pending, id)

		batch.responses = append(batch.responses, resp.WithID(batch.origIDs[id]))
		batch.remaining--
		touched[batch] = struct{}{}
	}

	for batch := range touched {
		if batch.remaining == 0 {
			batch.finish(nil)
			continue
		}
		if isBatch {
			for id := range batch.origIDs {
				delete(c.pending, id)
			}
			batch.finish(nil)
		}
	}
	c.pendingMu.Unlock()

	if len(touched) == 0 {
		c.logger.Debug().Int("len", len(data)).Msg("ws message for unknown request")
	}
}

// rejectOldest fails the oldest pending batch with a reply that names no
// request. Upstreams send that when they refuse a batch as a whole.
func (c *WSClient) rejectOldest(resp *jsonrpc.Response) {
	c.pendingMu.Lock()
	var oldest *wsBatch
	var oldestID int64
	for id, batch := range c.pending {
		if oldest == nil || id < oldestID {
			oldest, oldestID = batch, id
		}
	}
	if oldest != nil {
		for id := range oldest.origIDs {
			delete(c.pending, id)
		}
	}
	c.pendingMu.Unlock()

	if oldest == nil {
		c.logger.Debug().Msg("ws rejection with no pending batch")
		return
	}
	c.logger.Warn().Int("requests", len(oldest.origIDs)).Msg("upstream rejected WebSocket batch")
	oldest.finish(rejectedBatchError(resp))
}

// wireID extracts the integer id assigned by SendBatch
func wireID(id jsonrpc.ID) (int64, bool) {
	n, err := strconv.ParseInt(id.String(), 10, 64)
	return n, err == nil
}

func (c *WSClient) reconnect() bool {
	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connMu.Unlock()

	c.failPending(errConnectionLost)

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	interval := c.reconnectInterval
	if interval <= 0 {
		interval = time.Second
	}
	for {
		select {
		case <-c.ctx.Done():
			c.logger.Info().Msg("WebSocket reconnection stopped (shutdown)")
			return false
		case <-time.After(interval):
		}

		ctx, cancel := context.WithTimeout(c.ctx, 30*time.Second)
		conn, _, err := dialer.DialContext(ctx, c.wsURL, nil)
		cancel()
		if err != nil {
			c.logger.Warn().Err(err).Dur("nextRetry", interval).Msg("WebSocket reconnection failed, will retry")
			continue
		}

		c.setConn(conn)
		c.logger.Info().Msg("WebSocket reconnected successfully")
		return true
	}
}
