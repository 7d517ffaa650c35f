package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	writeTimeout = 5 * time.Second
	readLimit    = 4 << 20
)

// peer multiplexes requests and responses over one websocket. Writes are
// serialized because a Conn allows only one concurrent writer.
type peer struct {
	ws *websocket.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan Message
	closed  bool
}

func newPeer(ws *websocket.Conn) *peer {
	ws.SetReadLimit(readLimit)
	return &peer{ws: ws, pending: map[string]chan Message{}}
}

func (p *peer) send(ctx context.Context, msg Message) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, p.ws, msg)
}

// call sends a request and waits for its response or ctx.
func (p *peer) call(ctx context.Context, action Action, payload any) (json.RawMessage, error) {
	msg := Message{ID: uuid.NewString(), Action: action}
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", action, err)
		}
		msg.Payload = encoded
	}

	ch := make(chan Message, 1)
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	p.pending[msg.ID] = ch
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.pending, msg.ID)
		p.mu.Unlock()
	}()

	if err := p.send(ctx, msg); err != nil {
		return nil, fmt.Errorf("send %s: %w", action, err)
	}
	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrClosed
		}
		if resp.Error != "" {
			return nil, &RemoteError{Action: action, Message: resp.Error}
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *peer) deliver(msg Message) bool {
	p.mu.Lock()
	ch, ok := p.pending[msg.ID]
	if ok {
		delete(p.pending, msg.ID)
	}
	p.mu.Unlock()
	if ok {
		ch <- msg
	}
	return ok
}

func (p *peer) shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for id, ch := range p.pending {
		close(ch)
		delete(p.pending, id)
	}
}

// readLoop reads frames until the connection fails. Responses are routed to
// waiting callers; everything else goes to onFrame.
func (p *peer) readLoop(ctx context.Context, onFrame func(Message)) error {
	defer p.shutdown()
	for {
		var msg Message
		if err := wsjson.Read(ctx, p.ws, &msg); err != nil {
			return err
		}
		if msg.IsResponse() {
			p.deliver(msg)
			continue
		}
		onFrame(msg)
	}
}

// serveRequest answers req in its own goroutine so slow handlers never block
// the read loop.
func (p *peer) serveRequest(ctx context.Context, h Handler, req Request, done func(Message, error)) {
	go func() {
		resp := Dispatch(ctx, h, req)
		err := p.send(context.Background(), resp)
		if done != nil {
			done(resp, err)
		}
	}()
}
