package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/agentworkforce/catsync/internal/bridge"
	"github.com/agentworkforce/catsync/internal/categories"
	"github.com/agentworkforce/catsync/internal/gist"
	"github.com/agentworkforce/catsync/internal/i18n"
)

const (
	viaSurface = "surface"
	viaDirect  = "direct"
)

// requestSync queues a sync. Requests made while one is already queued
// collapse into it.
func (c *Coordinator) requestSync() {
	select {
	case c.queue <- struct{}{}:
	default:
	}
}

func (c *Coordinator) syncWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.queue:
			c.syncAfterCommit(ctx)
		}
	}
}

// syncAfterCommit offers the work to a privileged surface first and pushes
// directly when none answers in time.
func (c *Coordinator) syncAfterCommit(ctx context.Context) bridge.SyncResult {
	cats, ok := c.repo.Snapshot()
	if !ok {
		loaded, err := c.repo.List(ctx)
		if err != nil {
			return c.finishSync(ctx, bridge.SyncResult{Via: viaDirect, Message: err.Error()}, err)
		}
		cats = loaded
	}
	return c.syncList(ctx, cats)
}

func (c *Coordinator) syncList(ctx context.Context, cats []categories.Category) bridge.SyncResult {
	if result, ok := c.syncViaSurface(ctx, cats); ok {
		return c.finishSync(ctx, result, nil)
	}
	return c.pushDirect(ctx, cats)
}

func (c *Coordinator) syncViaSurface(ctx context.Context, cats []categories.Category) (bridge.SyncResult, bool) {
	wait, cancel := context.WithTimeout(ctx, c.surfaceTimeout)
	defer cancel()
	raw, err := c.hub.Request(wait, bridge.ActionSyncCategoriesData, bridge.SyncCategoriesPayload{Categories: cats})
	if err != nil {
		if !errors.Is(err, bridge.ErrNoSurface) {
			c.log.Debug("surface sync unavailable, pushing directly", "err", err)
		}
		return bridge.SyncResult{}, false
	}
	var result bridge.SyncResult
	if err := json.Unmarshal(raw, &result); err != nil || !result.Success {
		c.log.Debug("surface sync did not succeed, pushing directly", "err", err, "message", result.Message)
		return bridge.SyncResult{}, false
	}
	result.Via = viaSurface
	// The surface may have recreated the document under a new id.
	c.engine.Adopt(ctx, result.DocumentID)
	return result, true
}

// SyncNow syncs the current list the same way a commit does and waits for
// the outcome.
func (c *Coordinator) SyncNow(ctx context.Context) bridge.SyncResult {
	cats, err := c.repo.List(ctx)
	if err != nil {
		return c.finishSync(ctx, bridge.SyncResult{Via: viaDirect, Message: err.Error()}, err)
	}
	return c.syncList(ctx, cats)
}

func (c *Coordinator) pushDirect(ctx context.Context, cats []categories.Category) bridge.SyncResult {
	out := c.engine.Push(ctx, cats)
	result := bridge.SyncResult{
		Success:    out.OK,
		Via:        viaDirect,
		Phase:      string(out.Phase),
		DocumentID: out.DocumentID,
	}
	if out.Fatal {
		fatal := &FatalError{Op: "sync", Err: out.Err}
		c.log.Error("sync aborted", "err", fatal)
		return c.finishSync(ctx, result, fatal)
	}
	return c.finishSync(ctx, result, out.Err)
}

func (c *Coordinator) finishSync(ctx context.Context, result bridge.SyncResult, err error) bridge.SyncResult {
	lang := c.Language(ctx)
	ev := Event{Type: EventSynced, At: time.Now()}
	switch {
	case err == nil && result.Success:
		result.Message = i18n.Lookup(lang, "syncSucceeded")
		c.log.Info("categories synced", "via", result.Via, "gist", result.DocumentID)
	case errors.Is(err, gist.ErrNoToken):
		result.Success = false
		result.Message = i18n.Lookup(lang, "loginRequired")
		ev.Type = EventSyncFailed
	default:
		result.Success = false
		reason := result.Message
		if err != nil {
			reason = err.Error()
		}
		result.Message = i18n.Lookup(lang, "syncFailed", reason)
		ev.Type = EventSyncFailed
	}
	ev.Sync = &result
	c.bus.publish(ev)
	return result
}
