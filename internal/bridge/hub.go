package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"pkt.systems/pslog"
)

type HubOptions struct {
	Handler Handler
	// OriginPatterns is passed to websocket.Accept. Empty means same-origin
	// only; non-browser clients send no Origin and are always accepted.
	OriginPatterns []string
	Logger         pslog.Logger
}

// Hub tracks connected surfaces. Requests from surfaces go to the Handler;
// the coordinator reaches surfaces through Request and Notify.
type Hub struct {
	handler        Handler
	originPatterns []string
	log            pslog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.RWMutex
	conns        map[string]*hubConn
	order        []string
	onDisconnect []func(Surface)
	wg           sync.WaitGroup
}

type hubConn struct {
	surface Surface
	peer    *peer
}

func NewHub(opts HubOptions) *Hub {
	log := opts.Logger
	if log == nil {
		log = pslog.Ctx(context.Background())
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		handler:        opts.Handler,
		originPatterns: opts.OriginPatterns,
		log:            log.With("component", "bridge"),
		ctx:            ctx,
		cancel:         cancel,
		conns:          map[string]*hubConn{},
	}
}

// OnDisconnect registers fn to run after a surface goes away.
func (h *Hub) OnDisconnect(fn func(Surface)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onDisconnect = append(h.onDisconnect, fn)
}

// Surfaces lists connected surfaces in connection order.
func (h *Hub) Surfaces() []Surface {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Surface, 0, len(h.order))
	for _, id := range h.order {
		out = append(out, h.conns[id].surface)
	}
	return out
}

// Connected reports whether the surface with id is still attached.
func (h *Hub) Connected(id string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.conns[id]
	return ok
}

// ServeHTTP upgrades to a websocket. The query carries surface=<kind> and
// privileged=<bool>.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	kind, err := ParseKind(r.URL.Query().Get("surface"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), getCorrelationID(r))
		return
	}
	privileged := false
	if raw := r.URL.Query().Get("privileged"); raw != "" {
		privileged, err = strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "privileged must be a boolean", getCorrelationID(r))
			return
		}
	}
	if kind == KindContent {
		privileged = false
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.originPatterns})
	if err != nil {
		h.log.Warn("websocket upgrade failed", "err", err)
		return
	}
	conn := &hubConn{
		surface: Surface{ID: uuid.NewString(), Kind: kind, Privileged: privileged},
		peer:    newPeer(ws),
	}
	if !h.register(conn) {
		_ = ws.Close(websocket.StatusGoingAway, "hub closed")
		return
	}
	log := h.log.With("surface", conn.surface.ID, "kind", string(kind))
	log.Info("surface connected", "privileged", privileged)

	err = conn.peer.readLoop(h.ctx, func(msg Message) {
		if !msg.IsRequest() {
			log.Debug("ignoring frame", "action", string(msg.Action))
			return
		}
		req := Request{ID: msg.ID, Action: msg.Action, Payload: msg.Payload, Surface: conn.surface}
		if !h.track() {
			log.Debug("dropping request after close", "action", string(req.Action))
			return
		}
		conn.peer.serveRequest(h.ctx, h.handler, req, func(resp Message, err error) {
			defer h.wg.Done()
			if err != nil {
				log.Debug("response not delivered", "action", string(req.Action), "err", err)
			}
		})
	})
	if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && !errors.Is(err, context.Canceled) {
		log.Debug("surface read ended", "err", err)
	}
	h.unregister(conn)
	_ = ws.Close(websocket.StatusNormalClosure, "")
	log.Info("surface disconnected")
}

func (h *Hub) register(c *hubConn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ctx.Err() != nil {
		return false
	}
	h.conns[c.surface.ID] = c
	h.order = append(h.order, c.surface.ID)
	return true
}

// track counts an in-flight request unless the hub is closing. Close cancels
// under the same lock, so no Add can follow its Wait.
func (h *Hub) track() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ctx.Err() != nil {
		return false
	}
	h.wg.Add(1)
	return true
}

func (h *Hub) unregister(c *hubConn) {
	h.mu.Lock()
	if _, ok := h.conns[c.surface.ID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.conns, c.surface.ID)
	for i, id := range h.order {
		if id == c.surface.ID {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
	callbacks := append([]func(Surface){}, h.onDisconnect...)
	h.mu.Unlock()

	for _, fn := range callbacks {
		fn(c.surface)
	}
}

// Request asks the first connected privileged surface to handle action and
// waits for its answer.
func (h *Hub) Request(ctx context.Context, action Action, payload any) (json.RawMessage, error) {
	h.mu.RLock()
	var target *hubConn
	for _, id := range h.order {
		if c := h.conns[id]; c.surface.Privileged {
			target = c
			break
		}
	}
	h.mu.RUnlock()
	if target == nil {
		return nil, ErrNoSurface
	}
	return target.peer.call(ctx, action, payload)
}

// Notify sends a one-way frame to every connected UI surface and returns how
// many received it.
func (h *Hub) Notify(ctx context.Context, action Action, payload any) int {
	msg := Message{Action: action}
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			h.log.Warn("notification not encoded", "action", string(action), "err", err)
			return 0
		}
		msg.Payload = encoded
	}

	h.mu.RLock()
	targets := make([]*hubConn, 0, len(h.order))
	for _, id := range h.order {
		if c := h.conns[id]; c.surface.Kind != KindContent {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		if err := c.peer.send(ctx, msg); err != nil {
			h.log.Debug("notification not delivered", "surface", c.surface.ID, "err", err)
			continue
		}
		delivered++
	}
	return delivered
}

// Close drops every connection and waits for in-flight handlers.
func (h *Hub) Close() {
	h.mu.Lock()
	h.cancel()
	conns := make([]*hubConn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		_ = c.peer.ws.Close(websocket.StatusGoingAway, "server shutting down")
	}
	h.wg.Wait()
}
