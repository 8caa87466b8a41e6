package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"go-chat-relay/internal/chat"
	"go-chat-relay/internal/gateway"
	"go-chat-relay/internal/metrics"
	"go-chat-relay/internal/session"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a frame to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Must be less than pongWait.
	maxRequestSize = 16 * 1024           // Largest client frame accepted.
	replyBuffer    = 16
)

// Client is the middleman between one websocket connection and its session.
// The read pump turns frames into gateway calls; the write pump is the only
// writer on the connection.
type Client struct {
	gw      *gateway.Gateway
	conn    *websocket.Conn
	session *session.Session
	replies chan Response
	metrics *metrics.Metrics
	log     *zap.Logger
}

func newClient(gw *gateway.Gateway, conn *websocket.Conn, s *session.Session, m *metrics.Metrics, log *zap.Logger) *Client {
	return &Client{
		gw:      gw,
		conn:    conn,
		session: s,
		replies: make(chan Response, replyBuffer),
		metrics: m,
		log:     log.With(zap.String("session_id", s.ID()), zap.String("user_id", s.UserID())),
	}
}

// readPump pumps frames from the connection into the gateway.
func (c *Client) readPump() {
	defer func() {
		// If the connection dies the session goes with it.
		c.gw.Close(c.session, nil)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxRequestSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Warn("read failed", zap.Error(err))
			}
			return
		}

		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			c.reply(c.fail("", fmt.Errorf("%w: malformed frame", chat.ErrInvalidContent)))
			continue
		}
		if !c.reply(c.handle(req)) {
			return
		}
	}
}

// reply hands resp to the write pump. It reports false once the session is
// gone.
func (c *Client) reply(resp Response) bool {
	select {
	case c.replies <- resp:
		return true
	case <-c.session.Done():
		return false
	}
}

func (c *Client) fail(id string, err error) Response {
	c.metrics.RequestFailed(chat.Code(err))
	c.log.Debug("request failed", zap.String("request_id", id), zap.Error(err))
	return errorResponse(id, err)
}

func (c *Client) handle(req Request) Response {
	ctx := c.session.Context()

	var topic chat.Topic
	if req.Type != RequestHeartbeat {
		t, err := chat.ParseTopic(req.Topic)
		if err != nil {
			return c.fail(req.ID, err)
		}
		topic = t
	}

	resp := ack(req.ID)
	switch req.Type {
	case RequestSubscribe:
		if req.After == nil {
			sub, err := c.gw.Subscribe(ctx, c.session, topic)
			if err != nil {
				return c.fail(req.ID, err)
			}
			resp.Subscription = &sub
			return resp
		}
		sub, catchUp, err := c.gw.SubscribeFrom(ctx, c.session, topic, *req.After)
		if err != nil {
			return c.fail(req.ID, err)
		}
		resp.Subscription = &sub
		resp.CatchUp = &catchUp

	case RequestUnsubscribe:
		if err := c.gw.Unsubscribe(c.session, topic); err != nil {
			return c.fail(req.ID, err)
		}

	case RequestPublish:
		msg, err := c.gw.Publish(ctx, c.session, topic, req.Content, req.Attachment)
		if err != nil {
			return c.fail(req.ID, err)
		}
		resp.Message = &msg

	case RequestDelete:
		if err := c.gw.DeleteMessage(ctx, c.session, topic, req.MessageID); err != nil {
			return c.fail(req.ID, err)
		}

	case RequestHeartbeat:
		if err := c.gw.Heartbeat(c.session); err != nil {
			return c.fail(req.ID, err)
		}

	case RequestHistory:
		var after int64
		if req.After != nil {
			after = *req.After
		}
		messages, err := c.gw.FetchHistory(ctx, c.session.UserID(), topic, after, req.Limit)
		if err != nil {
			return c.fail(req.ID, err)
		}
		resp.History = newHistoryPage(after, messages)

	default:
		return c.fail(req.ID, fmt.Errorf("%w: unknown request type %q", chat.ErrInvalidContent, req.Type))
	}
	return resp
}

// writePump pumps session events and replies to the connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.gw.Close(c.session, nil)
		c.conn.Close()
	}()

	events := c.session.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				c.writeClose(nil)
				return
			}
			if err := c.write(ev); err != nil {
				return
			}
			if ev.Type == chat.EventClosed {
				c.writeClose(c.session.Err())
				return
			}

		case resp := <-c.replies:
			if err := c.write(resp); err != nil {
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

func (c *Client) write(v any) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(v); err != nil {
		c.log.Debug("write failed", zap.Error(err))
		return err
	}
	return nil
}

func (c *Client) writeClose(reason error) {
	code, text := websocket.CloseNormalClosure, ""
	switch {
	case errors.Is(reason, chat.ErrShutdown):
		code, text = websocket.CloseGoingAway, chat.Code(reason)
	case errors.Is(reason, chat.ErrSlowConsumer), errors.Is(reason, chat.ErrHeartbeatTimeout):
		code, text = websocket.ClosePolicyViolation, chat.Code(reason)
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, text))
}
