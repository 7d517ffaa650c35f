package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"pkt.systems/pslog"
)

type ClientOptions struct {
	// BaseURL is the server root, e.g. http://127.0.0.1:8787.
	BaseURL    string
	Kind       Kind
	Privileged bool
	// Handler answers coordinator requests such as sync-categories-data.
	Handler    Handler
	HTTPClient *http.Client
	Logger     pslog.Logger
}

// Client is a surface connected to the hub.
type Client struct {
	peer    *peer
	handler Handler
	log     pslog.Logger
	surface Surface

	notes chan Message

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	err    error

	closeOnce sync.Once
}

// Dial connects a surface to the hub at BaseURL.
func Dial(ctx context.Context, opts ClientOptions) (*Client, error) {
	kind := opts.Kind
	if kind == "" {
		kind = KindCLI
	}
	wsURL, err := bridgeURL(opts.BaseURL, kind, opts.Privileged)
	if err != nil {
		return nil, err
	}
	dialOpts := &websocket.DialOptions{}
	if opts.HTTPClient != nil {
		dialOpts.HTTPClient = opts.HTTPClient
	}
	ws, _, err := websocket.Dial(ctx, wsURL, dialOpts)
	if err != nil {
		return nil, fmt.Errorf("dial bridge %s: %w", wsURL, err)
	}
	log := opts.Logger
	if log == nil {
		log = pslog.Ctx(ctx)
	}
	runCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		peer:    newPeer(ws),
		handler: opts.Handler,
		log:     log.With("component", "bridge-client"),
		surface: Surface{Kind: kind, Privileged: opts.Privileged},
		notes:   make(chan Message, 16),
		ctx:     runCtx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go c.run()
	return c, nil
}

func bridgeURL(base string, kind Kind, privileged bool) (string, error) {
	base = strings.TrimSpace(base)
	if base == "" {
		return "", fmt.Errorf("bridge base url is required")
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse bridge url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported bridge url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/bridge"
	q := url.Values{}
	q.Set("surface", string(kind))
	q.Set("privileged", strconv.FormatBool(privileged))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) run() {
	defer close(c.done)
	defer close(c.notes)
	c.err = c.peer.readLoop(c.ctx, func(msg Message) {
		switch {
		case msg.IsRequest():
			req := Request{ID: msg.ID, Action: msg.Action, Payload: msg.Payload, Surface: c.surface}
			c.peer.serveRequest(c.ctx, c.handler, req, nil)
		case msg.IsNotification():
			select {
			case c.notes <- msg:
			default:
				c.log.Warn("notification dropped", "action", string(msg.Action))
			}
		}
	})
}

// Request sends action and decodes the result into out when out is non-nil.
func (c *Client) Request(ctx context.Context, action Action, payload any, out any) error {
	result, err := c.peer.call(ctx, action, payload)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(result, out); err != nil {
		return fmt.Errorf("decode %s result: %w", action, err)
	}
	return nil
}

// Notifications yields one-way frames from the coordinator. The channel is
// closed when the connection ends.
func (c *Client) Notifications() <-chan Message {
	return c.notes
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.peer.ws.Close(websocket.StatusNormalClosure, "")
		c.cancel()
		<-c.done
	})
	return err
}

// Call performs a single request over the HTTP call path.
func Call(ctx context.Context, httpClient *http.Client, baseURL string, action Action, payload any, out any) error {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	msg := Message{ID: uuid.NewString(), Action: action}
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode %s payload: %w", action, err)
		}
		msg.Payload = encoded
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	endpoint := strings.TrimRight(strings.TrimSpace(baseURL), "/") + "/v1/rpc"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Correlation-Id", msg.ID)

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", action, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s response: %w", action, err)
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(data, &apiErr)
		return &APIError{StatusCode: resp.StatusCode, Code: apiErr.Code, Message: apiErr.Message}
	}
	var answer Message
	if err := json.Unmarshal(data, &answer); err != nil {
		return fmt.Errorf("decode %s response: %w", action, err)
	}
	if answer.Error != "" {
		return &RemoteError{Action: action, Message: answer.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(answer.Result, out); err != nil {
		return fmt.Errorf("decode %s result: %w", action, err)
	}
	return nil
}
