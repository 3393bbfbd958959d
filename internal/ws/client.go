package ws

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 10 * 1024 * 1024 // 10MB

	// maxInFlight bounds the messages of one connection handled at once
	maxInFlight = 256
)

// Client is one downstream WebSocket connection. Messages are handled
// concurrently, so replies may arrive in a different order than requests.
type Client struct {
	conn      *websocket.Conn
	group     string
	processor Processor
	logger    zerolog.Logger

	sendChan  chan []byte
	closeChan chan struct{}
	closeOnce sync.Once
	inFlight  chan struct{}
	wg        sync.WaitGroup
}

// NewClient creates a new WebSocket client
func NewClient(conn *websocket.Conn, group string, processor Processor, logger zerolog.Logger) *Client {
	return &Client{
		conn:      conn,
		group:     group,
		processor: processor,
		logger:    logger,
		sendChan:  make(chan []byte, 256),
		closeChan: make(chan struct{}),
		inFlight:  make(chan struct{}, maxInFlight),
	}
}

// Run starts the write loop and reads until the connection closes
func (c *Client) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go c.writePump(ctx)

	c.readPump(ctx)
	cancel()
	c.wg.Wait()
}

// readPump reads messages from the WebSocket connection
func (c *Client) readPump(ctx context.Context) {
	defer c.Close()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Debug().Err(err).Msg("read error")
			}
			return
		}

		select {
		case c.inFlight <- struct{}{}:
		case <-ctx.Done():
			return
		case <-c.closeChan:
			return
		}

		c.wg.Add(1)
		go func() {
			defer func() {
				<-c.inFlight
				c.wg.Done()
			}()
			c.handleMessage(ctx, data)
		}()
	}
}

// writePump writes messages to the WebSocket connection
func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closeChan:
			return
		case data := <-c.sendChan:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug().Err(err).Msg("write error")
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage processes an incoming message
func (c *Client) handleMessage(ctx context.Context, data []byte) {
	reply, err := c.processor.Process(ctx, c.group, data)
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to process message")
		return
	}
	if reply != nil {
		c.send(reply)
	}
}

// send queues data for the write loop
func (c *Client) send(data []byte) {
	select {
	case c.sendChan <- data:
	case <-c.closeChan:
	default:
		// Channel full, drop message
		c.logger.Warn().Msg("send channel full, dropping message")
	}
}

// Close closes the client connection
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.closeChan)
		c.conn.Close()
		c.logger.Debug().Msg("client closed")
	})
}
