package api

import (
	"go-chat-relay/internal/chat"
	"go-chat-relay/internal/gateway"
)

// Request types a client may send over the websocket.
const (
	RequestSubscribe   = "subscribe"
	RequestUnsubscribe = "unsubscribe"
	RequestPublish     = "publish"
	RequestDelete      = "delete"
	RequestHeartbeat   = "heartbeat"
	RequestHistory     = "history"
)

// Response types. Pushed events use chat.EventType values.
const (
	ResponseAck   = "ack"
	ResponseError = "error"
	ResponseHello = "hello"
)

// Request is one client frame. ID is echoed in the response.
type Request struct {
	ID         string `json:"id,omitempty"`
	Type       string `json:"type"`
	Topic      string `json:"topic,omitempty"`
	Content    string `json:"content,omitempty"`
	Attachment string `json:"attachment,omitempty"`
	After      *int64 `json:"after,omitempty"`
	Limit      int    `json:"limit,omitempty"`
	MessageID  string `json:"message_id,omitempty"`
}

// Response answers one Request, or greets a new connection.
type Response struct {
	ID        string `json:"id,omitempty"`
	Type      string `json:"type"`
	Code      string `json:"code,omitempty"`
	Error     string `json:"error,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`

	SessionID    string             `json:"session_id,omitempty"`
	UserID       string             `json:"user_id,omitempty"`
	Subscription *chat.Subscription `json:"subscription,omitempty"`
	CatchUp      *gateway.CatchUp   `json:"catch_up,omitempty"`
	Message      *chat.Message      `json:"message,omitempty"`
	History      *HistoryPage       `json:"history,omitempty"`
}

// HistoryPage answers a history request. Messages is always present, empty
// when there is nothing after the cursor. NextAfter is the cursor for the
// following page.
type HistoryPage struct {
	Messages  []chat.Message `json:"messages"`
	NextAfter int64          `json:"next_after"`
}

func newHistoryPage(after int64, messages []chat.Message) *HistoryPage {
	page := &HistoryPage{Messages: messages, NextAfter: after}
	if page.Messages == nil {
		page.Messages = []chat.Message{}
	}
	if n := len(page.Messages); n > 0 {
		page.NextAfter = page.Messages[n-1].Seq
	}
	return page
}

func ack(id string) Response {
	return Response{ID: id, Type: ResponseAck}
}

func errorResponse(id string, err error) Response {
	return Response{
		ID:        id,
		Type:      ResponseError,
		Code:      chat.Code(err),
		Error:     err.Error(),
		Retryable: chat.Retryable(err),
	}
}
