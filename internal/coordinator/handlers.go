package coordinator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/agentworkforce/catsync/internal/bridge"
	"github.com/agentworkforce/catsync/internal/categories"
)

// Handle routes one bridge request. It satisfies bridge.Handler.
func (c *Coordinator) Handle(ctx context.Context, req bridge.Request) (any, error) {
	log := c.log.With("action", string(req.Action), "surface", req.Surface.ID)
	switch req.Action {
	case bridge.ActionStoreToken:
		var p bridge.TokenPayload
		if err := req.Decode(&p); err != nil {
			return nil, err
		}
		if err := c.tokens.SetToken(ctx, p.Token); err != nil {
			return nil, c.present(ctx, req.Action, "", err)
		}
		log.Info("token stored")
		return bridge.Ack{Success: true}, nil

	case bridge.ActionGetToken:
		token, ok := c.tokens.Token(ctx)
		return bridge.TokenResult{Token: token, HasToken: ok}, nil

	case bridge.ActionClearToken:
		if err := c.tokens.ClearToken(ctx); err != nil {
			return nil, c.present(ctx, req.Action, "", err)
		}
		log.Info("token cleared")
		return bridge.Ack{Success: true}, nil

	case bridge.ActionGetCategories:
		cats, err := c.repo.List(ctx)
		if err != nil {
			return nil, c.present(ctx, req.Action, "", err)
		}
		return bridge.CategoriesResult{Categories: cats}, nil

	case bridge.ActionGetItemCategories:
		var p bridge.ItemPayload
		if err := req.Decode(&p); err != nil {
			return nil, err
		}
		itemID, err := requireItem(p.ItemID)
		if err != nil {
			return nil, err
		}
		names, err := c.repo.CategoriesFor(ctx, itemID)
		if err != nil {
			return nil, c.present(ctx, req.Action, "", err)
		}
		return bridge.ItemCategoriesResult{ItemID: itemID, Categories: names}, nil

	case bridge.ActionUpdateItemCategory:
		var p bridge.UpdateItemCategoryPayload
		if err := req.Decode(&p); err != nil {
			return nil, err
		}
		itemID, err := requireItem(p.ItemID)
		if err != nil {
			return nil, err
		}
		if err := c.repo.SetMembership(ctx, itemID, p.CategoryName, p.Present); err != nil {
			return nil, c.present(ctx, req.Action, p.CategoryName, err)
		}
		log.Info("membership updated", "item", itemID, "category", p.CategoryName, "present", p.Present)
		return bridge.Ack{Success: true}, nil

	case bridge.ActionAddCategory:
		var p bridge.CategoryPayload
		if err := req.Decode(&p); err != nil {
			return nil, err
		}
		if err := c.repo.AddCategory(ctx, p.CategoryName); err != nil {
			return nil, c.present(ctx, req.Action, p.CategoryName, err)
		}
		log.Info("category added", "category", p.CategoryName)
		return bridge.Ack{Success: true}, nil

	case bridge.ActionDeleteCategory:
		var p bridge.CategoryPayload
		if err := req.Decode(&p); err != nil {
			return nil, err
		}
		if err := c.repo.DeleteCategory(ctx, p.CategoryName); err != nil {
			return nil, c.present(ctx, req.Action, p.CategoryName, err)
		}
		log.Info("category deleted", "category", p.CategoryName)
		return bridge.Ack{Success: true}, nil

	case bridge.ActionReloadCategories:
		if err := c.repo.Reload(ctx); err != nil {
			return nil, c.present(ctx, req.Action, "", err)
		}
		cats, err := c.repo.List(ctx)
		if err != nil {
			return nil, c.present(ctx, req.Action, "", err)
		}
		return bridge.CategoriesResult{Categories: cats}, nil

	case bridge.ActionTriggerRemoteSync:
		return c.SyncNow(ctx), nil

	case bridge.ActionOpenCategoryUI:
		var p bridge.OpenCategoryUIPayload
		if err := req.Decode(&p); err != nil {
			return nil, err
		}
		if _, err := requireItem(p.Item.ID); err != nil {
			return nil, err
		}
		notified := c.OpenCategoryUI(ctx, p.Item)
		return bridge.OpenCategoryUIResult{Success: true, Notified: notified}, nil

	case bridge.ActionGetPendingItem:
		return bridge.PendingItemResult{Item: c.takePending(req.Surface)}, nil
	}
	return nil, fmt.Errorf("%w: %s", bridge.ErrUnknownAction, req.Action)
}

func requireItem(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("%w: item id is required", categories.ErrInvalidItem)
	}
	return id, nil
}

// OpenCategoryUI buffers item, replacing any earlier one, and asks UI
// surfaces to show the picker. It returns how many surfaces were told.
func (c *Coordinator) OpenCategoryUI(ctx context.Context, item categories.ItemRef) int {
	c.pendingMu.Lock()
	buffered := item
	c.pending = &buffered
	c.pendingOwner = ""
	c.pendingMu.Unlock()

	notified := c.hub.Notify(ctx, bridge.ActionShowCategoryUI, bridge.OpenCategoryUIPayload{Item: item})
	c.log.Info("category picker requested", "item", item.ID, "notified", notified)
	c.bus.publish(Event{Type: EventPendingItem, Item: &buffered, At: time.Now()})
	return notified
}

// PendingItem returns the buffered item without consuming it.
func (c *Coordinator) PendingItem() *categories.ItemRef {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	if c.pending == nil {
		return nil
	}
	item := *c.pending
	return &item
}

// takePending hands out the buffered item and remembers which connected
// surface took it, so the buffer can be dropped when that surface leaves.
func (c *Coordinator) takePending(s bridge.Surface) *categories.ItemRef {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	if c.pending == nil {
		return nil
	}
	if c.hub.Connected(s.ID) {
		c.pendingOwner = s.ID
	}
	item := *c.pending
	return &item
}

func (c *Coordinator) surfaceGone(s bridge.Surface) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	if c.pending != nil && c.pendingOwner == s.ID {
		c.log.Debug("pending item cleared", "item", c.pending.ID, "surface", s.ID)
		c.pending = nil
		c.pendingOwner = ""
	}
}
