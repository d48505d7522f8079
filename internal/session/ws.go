package session

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const wsWriteTimeout = 10 * time.Second

// turnRequest is the structured frame sent to a websocket responder. The
// turn index is an explicit field; event routing never depends on message
// names.
type turnRequest struct {
	Type       string `json:"type"`
	TurnIndex  int    `json:"turnIndex"`
	Transcript []Turn `json:"transcript"`
	Utterance  string `json:"utterance"`
}

// WSChannel speaks to a remote responder over a websocket. Incoming frames
// are Event JSON: {"type": "...", "turnIndex": N, "text": "..."}.
type WSChannel struct {
	conn   *websocket.Conn
	events chan Event

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// NewWSChannel dials the responder endpoint and starts the read loop.
func NewWSChannel(ctx context.Context, url string) (*WSChannel, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	c := &WSChannel{conn: conn, events: make(chan Event, 64)}
	go c.readLoop()
	return c, nil
}

func (c *WSChannel) readLoop() {
	defer close(c.events)
	for {
		var ev Event
		if err := c.conn.ReadJSON(&ev); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("responder socket read: %v", err)
			}
			return
		}
		c.events <- ev
	}
}

// Send submits one turn request.
func (c *WSChannel) Send(ctx context.Context, turnIndex int, transcript []Turn, utterance string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline := time.Now().Add(wsWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetWriteDeadline(deadline)
	return c.conn.WriteJSON(turnRequest{
		Type:       "turn",
		TurnIndex:  turnIndex,
		Transcript: transcript,
		Utterance:  utterance,
	})
}

// Events returns the responder event stream; it closes when the socket does.
func (c *WSChannel) Events() <-chan Event { return c.events }

// Close sends a close frame and tears down the socket.
func (c *WSChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}
