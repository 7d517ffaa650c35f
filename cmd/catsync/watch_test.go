package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/agentworkforce/catsync/internal/bridge"
	"github.com/agentworkforce/catsync/internal/config"
	"pkt.systems/pslog"
)

func TestPrintNotificationShowsItem(t *testing.T) {
	var out bytes.Buffer
	payload, _ := json.Marshal(bridge.OpenCategoryUIPayload{})
	printNotification(&out, bridge.Message{
		Action:  bridge.ActionShowCategoryUI,
		Payload: json.RawMessage(`{"item":{"id":"1296269"}}`),
	})
	if out.String() != "show-category-ui\t1296269\n" {
		t.Fatalf("expected item line, got %q", out.String())
	}
	out.Reset()
	printNotification(&out, bridge.Message{Action: "other", Payload: payload})
	if !bytes.HasPrefix(out.Bytes(), []byte("other\t")) {
		t.Fatalf("expected raw line, got %q", out.String())
	}
}

func TestSurfaceSyncerWithoutClientHasNoToken(t *testing.T) {
	cfg := config.Config{Gist: config.GistConfig{APIURL: "http://127.0.0.1:1", Timeout: time.Second}}
	s := newSurfaceSyncer(cfg, pslog.Ctx(context.Background()))
	if _, ok := s.Token(context.Background()); ok {
		t.Fatalf("expected no token before the client is connected")
	}

	payload, _ := json.Marshal(bridge.SyncCategoriesPayload{})
	res, err := s.Handle(context.Background(), bridge.Request{ID: "1", Action: bridge.ActionSyncCategoriesData, Payload: payload})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	result, ok := res.(bridge.SyncResult)
	if !ok || result.Success {
		t.Fatalf("expected failed sync result, got %#v", res)
	}

	_, err = s.Handle(context.Background(), bridge.Request{ID: "2", Action: bridge.ActionGetCategories})
	if !errors.Is(err, bridge.ErrUnknownAction) {
		t.Fatalf("expected unknown action, got %v", err)
	}
}
