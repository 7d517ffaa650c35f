// Package bridge carries request/response messages between the coordinator
// and its UI surfaces over websockets, plus a plain HTTP call path for the
// content layer.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/agentworkforce/catsync/internal/categories"
)

type Action string

const (
	ActionStoreToken         Action = "store-token"
	ActionGetToken           Action = "get-token"
	ActionClearToken         Action = "clear-token"
	ActionGetCategories      Action = "get-categories"
	ActionGetItemCategories  Action = "get-item-categories"
	ActionUpdateItemCategory Action = "update-item-category"
	ActionAddCategory        Action = "add-category"
	ActionDeleteCategory     Action = "delete-category"
	ActionReloadCategories   Action = "reload-categories"
	ActionTriggerRemoteSync  Action = "trigger-remote-sync"
	ActionOpenCategoryUI     Action = "open-category-ui"
	ActionGetPendingItem     Action = "get-pending-item"

	// ActionSyncCategoriesData is sent by the coordinator to a privileged
	// surface, asking it to push the current list itself.
	ActionSyncCategoriesData Action = "sync-categories-data"
	// ActionShowCategoryUI is a notification telling UI surfaces an item is
	// waiting.
	ActionShowCategoryUI Action = "show-category-ui"
)

var (
	ErrNoSurface     = errors.New("no privileged surface connected")
	ErrClosed        = errors.New("bridge connection closed")
	ErrUnknownAction = errors.New("unknown action")
	ErrBadPayload    = errors.New("invalid payload")
)

// Message is the single frame type on the wire. A request has an id and an
// action, a notification has only an action, and a response has an id and
// exactly one of result or error.
type Message struct {
	ID      string          `json:"id,omitempty"`
	Action  Action          `json:"action,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

func (m Message) IsResponse() bool { return m.ID != "" && m.Action == "" }

func (m Message) IsRequest() bool { return m.ID != "" && m.Action != "" }

func (m Message) IsNotification() bool { return m.ID == "" && m.Action != "" }

// RemoteError is an error payload received from the other side.
type RemoteError struct {
	Action  Action
	Message string
}

func (e *RemoteError) Error() string {
	if e.Action == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Action, e.Message)
}

// NewResponse builds the response to request id. When err is nil the result
// is encoded, and a nil result becomes an acknowledgement.
func NewResponse(id string, result any, err error) Message {
	if err != nil {
		msg := err.Error()
		if msg == "" {
			msg = "request failed"
		}
		return Message{ID: id, Error: msg}
	}
	if result == nil {
		result = Ack{Success: true}
	}
	encoded, marshalErr := json.Marshal(result)
	if marshalErr != nil {
		return Message{ID: id, Error: "encode result: " + marshalErr.Error()}
	}
	if len(encoded) == 0 || string(encoded) == "null" {
		encoded = []byte(`{"success":true}`)
	}
	return Message{ID: id, Result: encoded}
}

// Surface describes the connected peer a request came from.
type Surface struct {
	ID         string `json:"id"`
	Kind       Kind   `json:"kind"`
	Privileged bool   `json:"privileged"`
}

type Kind string

const (
	KindPopup   Kind = "popup"
	KindContent Kind = "content"
	KindCLI     Kind = "cli"
)

func ParseKind(raw string) (Kind, error) {
	switch Kind(raw) {
	case KindPopup, KindContent, KindCLI:
		return Kind(raw), nil
	case "":
		return KindContent, nil
	default:
		return "", fmt.Errorf("unknown surface kind %q", raw)
	}
}

// Request is an inbound request handed to a Handler.
type Request struct {
	ID      string
	Action  Action
	Payload json.RawMessage
	Surface Surface
}

// Decode unmarshals the payload into dst.
func (r Request) Decode(dst any) error {
	if len(r.Payload) == 0 {
		return fmt.Errorf("%w: %s requires a payload", ErrBadPayload, r.Action)
	}
	if err := json.Unmarshal(r.Payload, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	return nil
}

type Handler interface {
	Handle(ctx context.Context, req Request) (any, error)
}

type HandlerFunc func(ctx context.Context, req Request) (any, error)

func (f HandlerFunc) Handle(ctx context.Context, req Request) (any, error) {
	return f(ctx, req)
}

// Dispatch runs h and always produces a response. A panic in the handler is
// turned into an error payload.
func Dispatch(ctx context.Context, h Handler, req Request) (resp Message) {
	defer func() {
		if r := recover(); r != nil {
			resp = NewResponse(req.ID, nil, fmt.Errorf("internal error handling %s: %v", req.Action, r))
		}
	}()
	if h == nil {
		return NewResponse(req.ID, nil, fmt.Errorf("%w: %s", ErrUnknownAction, req.Action))
	}
	result, err := h.Handle(ctx, req)
	return NewResponse(req.ID, result, err)
}

// Payloads.

type Ack struct {
	Success bool `json:"success"`
}

type TokenPayload struct {
	Token string `json:"token"`
}

type TokenResult struct {
	Token    string `json:"token,omitempty"`
	HasToken bool   `json:"hasToken"`
}

type CategoriesResult struct {
	Categories []categories.Category `json:"categories"`
}

type ItemPayload struct {
	ItemID string `json:"itemId"`
}

type ItemCategoriesResult struct {
	ItemID     string   `json:"itemId"`
	Categories []string `json:"categories"`
}

type UpdateItemCategoryPayload struct {
	ItemID       string `json:"itemId"`
	CategoryName string `json:"categoryName"`
	Present      bool   `json:"present"`
}

type CategoryPayload struct {
	CategoryName string `json:"categoryName"`
}

type SyncResult struct {
	Success    bool   `json:"success"`
	Via        string `json:"via,omitempty"`
	Phase      string `json:"phase,omitempty"`
	DocumentID string `json:"documentId,omitempty"`
	Message    string `json:"message,omitempty"`
}

type OpenCategoryUIPayload struct {
	Item categories.ItemRef `json:"item"`
}

type OpenCategoryUIResult struct {
	Success bool `json:"success"`
	// Notified counts the UI surfaces that were told about the item.
	Notified int `json:"notified"`
}

type PendingItemResult struct {
	Item *categories.ItemRef `json:"item"`
}

type SyncCategoriesPayload struct {
	Categories []categories.Category `json:"categories"`
}
