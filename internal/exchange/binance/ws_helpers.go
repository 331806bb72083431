package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// wsReplyTimeout bounds a call whose ctx has no earlier deadline.
const wsReplyTimeout = 10 * time.Second

type wsRequest struct {
	ID     string                 `json:"id"`
	Method string                 `json:"method"`
	Params map[string]interface{} `json:"params,omitempty"`
}

type wsReply struct {
	ID     string          `json:"id"`
	Status int             `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *apiError       `json:"error,omitempty"`
}

// err turns a non-200 reply into the same classified error REST returns.
func (r wsReply) err() error {
	if r.Status == 200 {
		return nil
	}
	if r.Error != nil {
		return wrapAPIError(r.Error.Code, r.Error.Msg)
	}
	return fmt.Errorf("binance ws status %d", r.Status)
}

// wsCall writes one request and reads until the reply with the same id
// arrives. Frames for other ids and undecodable frames are skipped. The
// caller serializes access to conn.
func wsCall(ctx context.Context, conn *websocket.Conn, method string, params map[string]interface{}) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id := uuid.NewString()
	if err := conn.WriteJSON(wsRequest{ID: id, Method: method, Params: params}); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(wsReplyTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = conn.SetReadDeadline(deadline)
	defer conn.SetReadDeadline(time.Time{})

	for {
		var reply wsReply
		_, data, err := conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if json.Unmarshal(data, &reply) != nil || reply.ID != id {
			continue
		}
		if err := reply.err(); err != nil {
			return nil, err
		}
		return reply.Result, nil
	}
}
