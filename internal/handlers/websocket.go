package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/mossy-p/call-signaling/internal/auth"
	"github.com/mossy-p/call-signaling/internal/calls"
	"github.com/mossy-p/call-signaling/internal/errs"
	"github.com/mossy-p/call-signaling/internal/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

var (
	errClientClosed = errors.New("client closed")
	errSendOverflow = errors.New("send buffer full")
)

// WSConfig tunes the socket pumps.
type WSConfig struct {
	ReadLimit    int64
	PongWait     time.Duration
	PingInterval time.Duration
	WriteTimeout time.Duration
	SendBuffer   int
}

func (c WSConfig) withDefaults() WSConfig {
	if c.ReadLimit <= 0 {
		c.ReadLimit = 64 << 10
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.PongWait {
		c.PingInterval = c.PongWait * 9 / 10
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	return c
}

// Client is one authenticated signaling socket.
type Client struct {
	ID     string
	UserID string
	Conn   *websocket.Conn

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	cfg       WSConfig
	logger    zerolog.Logger
}

// Send queues msg for the write pump. It never blocks: a client that cannot
// keep up is disconnected instead of stalling the room.
func (c *Client) Send(msg models.OutboundMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error().Err(err).Str("type", string(msg.Type)).Msg("Failed to marshal message")
		return err
	}

	select {
	case <-c.done:
		return errClientClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	default:
		c.logger.Warn().Str("type", string(msg.Type)).Msg("Send buffer full, closing connection")
		c.close()
		return errSendOverflow
	}
}

// close stops the client. The write pump drains the queue and closes the
// socket, which in turn ends the read pump.
func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// HandleSignaling authenticates the handshake, upgrades it and runs the
// socket until it closes.
func HandleSignaling(svc *calls.Service, verifier auth.Verifier, cfg WSConfig, logger zerolog.Logger) gin.HandlerFunc {
	cfg = cfg.withDefaults()
	return func(c *gin.Context) {
		userID, err := verifier.Verify(c.Request.Context(), auth.CredentialFromRequest(c.Request))
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": string(errs.CodeAuthenticationFailed)})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn().Err(err).Str("user_id", userID).Msg("Failed to upgrade connection")
			return
		}

		client := &Client{
			UserID: userID,
			Conn:   conn,
			send:   make(chan []byte, cfg.SendBuffer),
			done:   make(chan struct{}),
			cfg:    cfg,
		}
		reg := svc.Connect(client, userID)
		client.ID = reg.ID
		client.logger = logger.With().Str("conn_id", reg.ID).Str("user_id", userID).Logger()
		client.logger.Info().Str("remote", c.ClientIP()).Msg("Signaling connection opened")

		go client.writePump()
		go client.readPump(svc)
	}
}

func (c *Client) readPump(svc *calls.Service) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Msg("Connection loop panicked")
		}
		svc.Disconnect(c.ID)
		c.close()
		c.logger.Info().Msg("Signaling connection closed")
	}()

	c.Conn.SetReadLimit(c.cfg.ReadLimit)
	c.Conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug().Err(err).Msg("WebSocket read error")
			}
			return
		}

		var msg models.InboundMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.logger.Debug().Err(err).Msg("Failed to parse message")
			_ = c.Send(models.OutboundMessage{Type: models.TypeError, Reason: string(errs.CodeInvalidRequest)})
			continue
		}
		svc.Handle(c.ID, msg)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.close()
		c.Conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Debug().Err(err).Msg("Failed to write message")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.flush()
			return
		}
	}
}

// flush writes whatever was queued before the close, then a close frame.
func (c *Client) flush() {
	deadline := time.Now().Add(c.cfg.WriteTimeout)
	c.Conn.SetWriteDeadline(deadline)
	for {
		select {
		case message := <-c.send:
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		default:
			c.Conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
