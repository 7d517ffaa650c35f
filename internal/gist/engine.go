// Package gist keeps the category list in a single private GitHub Gist.
package gist

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/catsync/internal/categories"
	"github.com/agentworkforce/catsync/internal/tiers"
	"pkt.systems/pslog"
)

const (
	DefaultDescription = "Better GitHub UX - Categories Data"
	DefaultFilename    = "better-github-ux.json"
)

// Phase is a step of a sync attempt.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseResolving Phase = "resolving"
	PhaseLoading   Phase = "loading"
	PhaseCreating  Phase = "creating"
	PhaseSaving    Phase = "saving"
	PhaseSynced    Phase = "synced"
	PhaseFailed    Phase = "failed"
)

// Outcome reports a sync attempt. Failures never panic; Fatal marks errors
// outside the expected network, storage and parse classes.
type Outcome struct {
	OK         bool
	Phase      Phase
	Trail      []Phase
	DocumentID string
	Message    string
	Err        error
	Fatal      bool
}

type Options struct {
	Client Client
	// IDs persists the document id (the sync tier).
	IDs tiers.Tier
	// Settings holds the language preference (the local tier).
	Settings    tiers.Tier
	Description string
	Filename    string
	Now         func() time.Time
	Logger      pslog.Logger
}

type Engine struct {
	client      Client
	ids         tiers.Tier
	settings    tiers.Tier
	description string
	filename    string
	now         func() time.Time
	log         pslog.Logger

	mu       sync.Mutex
	cachedID string
}

func NewEngine(opts Options) (*Engine, error) {
	if opts.Client == nil {
		return nil, errors.New("gist: client is required")
	}
	log := opts.Logger
	if log == nil {
		log = pslog.Ctx(context.Background())
	}
	description := strings.TrimSpace(opts.Description)
	if description == "" {
		description = DefaultDescription
	}
	filename := strings.TrimSpace(opts.Filename)
	if filename == "" {
		filename = DefaultFilename
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		client:      opts.Client,
		ids:         opts.IDs,
		settings:    opts.Settings,
		description: description,
		filename:    filename,
		now:         now,
		log:         log.With("component", "gist"),
	}, nil
}

// ResolveDocumentID returns the document id from memory, the id tier, or a
// scan of the user's gists, in that order. ErrNotFound means no document
// exists.
func (e *Engine) ResolveDocumentID(ctx context.Context) (string, error) {
	e.mu.Lock()
	cached := e.cachedID
	e.mu.Unlock()
	if cached != "" {
		return cached, nil
	}

	if e.ids != nil {
		id, err := tiers.GetString(ctx, e.ids, tiers.KeyGistID)
		switch {
		case err == nil && strings.TrimSpace(id) != "":
			e.remember(ctx, strings.TrimSpace(id), false)
			return strings.TrimSpace(id), nil
		case err != nil && !errors.Is(err, tiers.ErrNotFound):
			e.log.Warn("stored gist id unreadable", "err", err)
		}
	}

	gists, err := e.client.ListGists(ctx)
	if err != nil {
		return "", fmt.Errorf("list gists: %w", err)
	}
	for _, g := range gists {
		if e.matches(g) {
			e.remember(ctx, g.ID, true)
			e.log.Info("gist discovered", "gist", g.ID)
			return g.ID, nil
		}
	}
	return "", ErrNotFound
}

func (e *Engine) matches(g Gist) bool {
	if g.ID == "" {
		return false
	}
	if g.Description == e.description {
		return true
	}
	_, ok := g.Files[e.filename]
	return ok
}

// LoadDocument fetches and decodes the document. Content found in an older
// layout is re-saved in canonical form before returning.
func (e *Engine) LoadDocument(ctx context.Context, id string) (Document, error) {
	g, err := e.client.GetGist(ctx, id)
	if err != nil {
		return Document{}, fmt.Errorf("get gist %s: %w", id, err)
	}
	file, ok := g.Files[e.filename]
	if !ok {
		return Document{}, fmt.Errorf("%w: gist %s has no %s", ErrMalformed, id, e.filename)
	}
	content := file.Content
	if (file.Truncated || content == "") && file.RawURL != "" {
		content, err = e.client.FetchRaw(ctx, file.RawURL)
		if err != nil {
			return Document{}, fmt.Errorf("fetch raw %s: %w", e.filename, err)
		}
	}
	doc, shape, err := DecodeDocument([]byte(content))
	if err != nil {
		return Document{}, err
	}
	if shape != ShapeCanonical {
		e.log.Info("migrating gist document", "gist", id, "shape", shape.String())
		if _, err := e.SaveDocument(ctx, id, doc); err != nil {
			e.log.Warn("gist migration not saved", "gist", id, "err", err)
		}
	}
	return doc, nil
}

// SaveDocument updates the document, or creates one when id is empty. An
// update answered with not-found forgets the id and creates once.
func (e *Engine) SaveDocument(ctx context.Context, id string, doc Document) (string, error) {
	content, err := EncodeDocument(doc, e.now())
	if err != nil {
		return "", err
	}
	if id != "" {
		_, err := e.client.UpdateGist(ctx, id, e.description, e.filename, string(content))
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return "", fmt.Errorf("update gist %s: %w", id, err)
		}
		e.log.Warn("gist vanished, creating a new one", "gist", id)
		e.forget(ctx)
	}
	created, err := e.client.CreateGist(ctx, e.description, e.filename, string(content))
	if err != nil {
		return "", fmt.Errorf("create gist: %w", err)
	}
	if created.ID == "" {
		return "", fmt.Errorf("%w: create returned no id", ErrMalformed)
	}
	e.remember(ctx, created.ID, true)
	e.log.Info("gist created", "gist", created.ID)
	return created.ID, nil
}

// LoadCategories is the repository's remote loader.
func (e *Engine) LoadCategories(ctx context.Context) ([]categories.Category, error) {
	return e.Pull(ctx)
}

// Pull returns the remote category list, or categories.ErrNoRemote when
// there is no document.
func (e *Engine) Pull(ctx context.Context) ([]categories.Category, error) {
	id, err := e.ResolveDocumentID(ctx)
	if errors.Is(err, ErrNotFound) {
		return nil, categories.ErrNoRemote
	}
	if err != nil {
		return nil, err
	}
	doc, err := e.LoadDocument(ctx, id)
	if errors.Is(err, ErrNotFound) {
		e.forget(ctx)
		return nil, categories.ErrNoRemote
	}
	if err != nil {
		return nil, err
	}
	return doc.Categories, nil
}

// Push writes cats as the new document.
func (e *Engine) Push(ctx context.Context, cats []categories.Category) Outcome {
	out := Outcome{Phase: PhaseIdle}
	step := func(p Phase) {
		out.Phase = p
		out.Trail = append(out.Trail, p)
	}
	fail := func(err error) Outcome {
		failedIn := out.Phase
		step(PhaseFailed)
		out.Err = err
		out.Message = err.Error()
		out.Fatal = !expected(err)
		e.log.Warn("gist sync failed", "phase", string(failedIn), "err", err)
		return out
	}

	step(PhaseResolving)
	id, err := e.ResolveDocumentID(ctx)
	switch {
	case errors.Is(err, ErrNotFound):
		step(PhaseCreating)
		id = ""
	case err != nil:
		return fail(err)
	}

	doc := Document{Categories: categories.Clone(cats), Language: e.language(ctx)}
	step(PhaseSaving)
	savedID, err := e.SaveDocument(ctx, id, doc)
	if err != nil {
		return fail(err)
	}
	step(PhaseSynced)
	out.OK = true
	out.DocumentID = savedID
	return out
}

func (e *Engine) language(ctx context.Context) *string {
	if e.settings == nil {
		return nil
	}
	lang, err := tiers.GetString(ctx, e.settings, tiers.KeyLanguage)
	if err != nil || strings.TrimSpace(lang) == "" {
		return nil
	}
	return &lang
}

// Adopt records id as the document another writer saved to, so later pushes
// from this engine update it instead of recreating. It reports whether the
// known id changed.
func (e *Engine) Adopt(ctx context.Context, id string) bool {
	id = strings.TrimSpace(id)
	if id == "" {
		return false
	}
	e.mu.Lock()
	same := e.cachedID == id
	e.mu.Unlock()
	if same {
		return false
	}
	e.remember(ctx, id, true)
	e.log.Info("gist adopted", "gist", id)
	return true
}

func (e *Engine) remember(ctx context.Context, id string, persist bool) {
	e.mu.Lock()
	e.cachedID = id
	e.mu.Unlock()
	if !persist || e.ids == nil {
		return
	}
	if err := tiers.SetJSON(ctx, e.ids, tiers.KeyGistID, id); err != nil {
		e.log.Warn("gist id not stored", "gist", id, "err", err)
	}
}

func (e *Engine) forget(ctx context.Context) {
	e.mu.Lock()
	e.cachedID = ""
	e.mu.Unlock()
	if e.ids == nil {
		return
	}
	if err := e.ids.Remove(ctx, tiers.KeyGistID); err != nil {
		e.log.Warn("gist id not cleared", "err", err)
	}
}

func expected(err error) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) ||
		errors.Is(err, ErrTransient) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrMalformed) ||
		errors.Is(err, ErrNoToken) ||
		errors.Is(err, tiers.ErrUnavailable) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
