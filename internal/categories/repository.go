package categories

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/agentworkforce/catsync/internal/tiers"
	"pkt.systems/pslog"
)

// Reason says why a commit happened.
type Reason string

const (
	ReasonAdd        Reason = "add-category"
	ReasonDelete     Reason = "delete-category"
	ReasonMembership Reason = "update-item-category"
	ReasonReplace    Reason = "replace"
	ReasonMigrate    Reason = "migrate-legacy"
	// ReasonSeed is committed after a load found no remote document, so the
	// first one gets created.
	ReasonSeed Reason = "seed"
	// ReasonRemote is committed after remote state replaced local state.
	ReasonRemote Reason = "remote"
)

// Commit describes one state change that reached the local tier.
type Commit struct {
	Reason     Reason
	Categories []Category
}

type CommitHook func(Commit)

// RemoteLoader fetches the authoritative category list. It returns
// ErrNoRemote when no remote document exists.
type RemoteLoader interface {
	LoadCategories(ctx context.Context) ([]Category, error)
}

type RemoteLoaderFunc func(ctx context.Context) ([]Category, error)

func (f RemoteLoaderFunc) LoadCategories(ctx context.Context) ([]Category, error) {
	return f(ctx)
}

type Options struct {
	// Local is the durable local tier. Required.
	Local tiers.Tier
	// Sync is the cross-device tier; nil disables mirroring.
	Sync tiers.Tier
	// Remote is consulted first on every full load; nil skips it.
	Remote RemoteLoader
	// DefaultNames yields the names used when no stored state exists.
	DefaultNames func(ctx context.Context) []string
	Logger       pslog.Logger
}

// Repository owns the in-memory category list and its derived index.
// Loading and every mutation run under one lock.
type Repository struct {
	local        tiers.Tier
	sync         tiers.Tier
	remote       RemoteLoader
	defaultNames func(ctx context.Context) []string
	log          pslog.Logger

	mu      sync.Mutex
	loaded  bool
	cats    []Category
	index   Index
	pending []Commit

	hookMu sync.RWMutex
	hooks  []CommitHook
}

func NewRepository(opts Options) (*Repository, error) {
	if opts.Local == nil {
		return nil, errors.New("categories: local tier is required")
	}
	log := opts.Logger
	if log == nil {
		log = pslog.Ctx(context.Background())
	}
	defaultNames := opts.DefaultNames
	if defaultNames == nil {
		defaultNames = func(context.Context) []string {
			return []string{"Favorites", "Work", "Personal"}
		}
	}
	return &Repository{
		local:        opts.Local,
		sync:         opts.Sync,
		remote:       opts.Remote,
		defaultNames: defaultNames,
		log:          log.With("component", "categories"),
		index:        Index{},
	}, nil
}

// OnCommit registers hook. Hooks run synchronously after the lock is
// released and must not block.
func (r *Repository) OnCommit(hook CommitHook) {
	if hook == nil {
		return
	}
	r.hookMu.Lock()
	defer r.hookMu.Unlock()
	r.hooks = append(r.hooks, hook)
}

func (r *Repository) List(ctx context.Context) ([]Category, error) {
	defer r.firePending()
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.ensureLoadedLocked(ctx); err != nil {
		return nil, err
	}
	return Clone(r.cats), nil
}

// CategoriesFor returns the names of the categories containing itemID, in
// list order. Unknown items yield an empty slice.
func (r *Repository) CategoriesFor(ctx context.Context, itemID string) ([]string, error) {
	defer r.firePending()
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.ensureLoadedLocked(ctx); err != nil {
		return nil, err
	}
	return append([]string{}, r.index[itemID]...), nil
}

func (r *Repository) AddCategory(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrInvalidName
	}
	return r.apply(ctx, ReasonAdd, func(cats []Category) ([]Category, bool, error) {
		if Find(cats, name) >= 0 {
			return nil, false, fmt.Errorf("%w: %q", ErrAlreadyExists, name)
		}
		return append(cats, Category{Name: name, Items: []ItemRef{}}), true, nil
	})
}

// DeleteCategory removes the category and every membership in it.
func (r *Repository) DeleteCategory(ctx context.Context, name string) error {
	return r.apply(ctx, ReasonDelete, func(cats []Category) ([]Category, bool, error) {
		idx := Find(cats, name)
		if idx < 0 {
			return nil, false, fmt.Errorf("%w: %q", ErrCategoryNotFound, name)
		}
		return append(cats[:idx], cats[idx+1:]...), true, nil
	})
}

// SetMembership adds or removes itemID from the named category. Asking for
// the membership that already holds succeeds without a commit.
func (r *Repository) SetMembership(ctx context.Context, itemID, name string, present bool) error {
	if strings.TrimSpace(itemID) == "" {
		return ErrInvalidItem
	}
	return r.apply(ctx, ReasonMembership, func(cats []Category) ([]Category, bool, error) {
		idx := Find(cats, name)
		if idx < 0 {
			return nil, false, fmt.Errorf("%w: %q", ErrCategoryNotFound, name)
		}
		has := cats[idx].Has(itemID)
		switch {
		case present && !has:
			cats[idx].Items = append(cats[idx].Items, ItemRef{ID: itemID})
		case !present && has:
			kept := cats[idx].Items[:0]
			for _, item := range cats[idx].Items {
				if item.ID != itemID {
					kept = append(kept, item)
				}
			}
			cats[idx].Items = kept
		default:
			return cats, false, nil
		}
		return cats, true, nil
	})
}

// Replace swaps in cats wholesale, as a remote reload does.
func (r *Repository) Replace(ctx context.Context, cats []Category, reason Reason) error {
	if reason == "" {
		reason = ReasonReplace
	}
	next := Normalize(cats)
	defer r.firePending()
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.persistLocked(ctx, next); err != nil {
		return err
	}
	r.setLocked(next)
	r.queueLocked(reason)
	return nil
}

// Snapshot returns the loaded list without triggering a load.
func (r *Repository) Snapshot() ([]Category, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.loaded {
		return nil, false
	}
	return Clone(r.cats), true
}

// Invalidate drops the loaded state; the next access reloads.
func (r *Repository) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loaded = false
}

// Reload runs a full load, remote first.
func (r *Repository) Reload(ctx context.Context) error {
	defer r.firePending()
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loadLocked(ctx, true)
}

// ReloadLocal reloads from the storage tiers only. Used when another
// process changed the local tier.
func (r *Repository) ReloadLocal(ctx context.Context) error {
	defer r.firePending()
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loadLocked(ctx, false)
}

func (r *Repository) apply(ctx context.Context, reason Reason, fn func([]Category) ([]Category, bool, error)) error {
	defer r.firePending()
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.ensureLoadedLocked(ctx); err != nil {
		return err
	}
	next, changed, err := fn(Clone(r.cats))
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	if err := r.persistLocked(ctx, next); err != nil {
		r.log.Error("category mutation not persisted", "reason", string(reason), "err", err)
		return err
	}
	r.setLocked(next)
	r.queueLocked(reason)
	return nil
}

func (r *Repository) ensureLoadedLocked(ctx context.Context) error {
	if r.loaded {
		return nil
	}
	return r.loadLocked(ctx, true)
}

func (r *Repository) loadLocked(ctx context.Context, useRemote bool) error {
	seed := false
	if useRemote && r.remote != nil {
		cats, err := r.remote.LoadCategories(ctx)
		switch {
		case err == nil:
			next := Normalize(cats)
			if err := r.persistLocked(ctx, next); err != nil {
				r.log.Warn("remote categories not cached locally", "err", err)
			}
			r.setLocked(next)
			r.queueLocked(ReasonRemote)
			return nil
		case errors.Is(err, ErrNoRemote):
			seed = true
		default:
			r.log.Warn("remote categories unavailable, using local state", "err", err)
		}
	}

	// A tier's itemCategories is only its legacy mirror once that tier holds
	// a current-format list, so it is read only from tiers without one.
	cats, found := r.readTier(ctx, r.local, "local")
	var legacy map[string][]string
	if !found {
		local, hasLocal := r.readLegacy(ctx, r.local)
		cats, found = r.readTier(ctx, r.sync, "sync")
		legacy = local
		if !hasLocal && !found {
			legacy, _ = r.readLegacy(ctx, r.sync)
		}
	}
	if !found {
		cats = DefaultCategories(r.defaultNames(ctx))
	}

	if len(legacy) > 0 {
		merged := MergeLegacy(cats, legacy, !found)
		if !sameMembership(cats, merged) || !found {
			if err := r.persistLocked(ctx, merged); err != nil {
				r.log.Warn("legacy migration not persisted", "err", err)
			} else {
				r.queueLocked(ReasonMigrate)
			}
		}
		cats = merged
	}
	r.setLocked(cats)
	if seed {
		r.queueLocked(ReasonSeed)
	}
	return nil
}

func (r *Repository) readTier(ctx context.Context, tier tiers.Tier, name string) ([]Category, bool) {
	if tier == nil {
		return nil, false
	}
	var cats []Category
	if err := tiers.GetJSON(ctx, tier, tiers.KeyCategories, &cats); err != nil {
		if !errors.Is(err, tiers.ErrNotFound) {
			r.log.Warn("stored categories unreadable", "tier", name, "err", err)
		}
		return nil, false
	}
	if cats == nil {
		return nil, false
	}
	return Normalize(cats), true
}

func (r *Repository) readLegacy(ctx context.Context, tier tiers.Tier) (map[string][]string, bool) {
	if tier == nil {
		return nil, false
	}
	var legacy map[string][]string
	if err := tiers.GetJSON(ctx, tier, tiers.KeyItemCategories, &legacy); err != nil {
		if !errors.Is(err, tiers.ErrNotFound) {
			r.log.Debug("legacy item categories unreadable", "err", err)
		}
		return nil, false
	}
	return legacy, true
}

// persistLocked writes cats to the local tier, which must succeed, then
// mirrors the legacy view and the sync tier on a best-effort basis.
func (r *Repository) persistLocked(ctx context.Context, cats []Category) error {
	if err := tiers.SetJSON(ctx, r.local, tiers.KeyCategories, cats); err != nil {
		return fmt.Errorf("persist categories: %w", err)
	}
	legacy := ToLegacy(cats)
	if err := tiers.SetJSON(ctx, r.local, tiers.KeyItemCategories, legacy); err != nil {
		r.log.Warn("legacy item categories not mirrored", "tier", "local", "err", err)
	}
	if r.sync == nil {
		return nil
	}
	if err := tiers.SetJSON(ctx, r.sync, tiers.KeyCategories, cats); err != nil {
		r.log.Warn("categories not mirrored", "tier", "sync", "err", err)
	}
	if err := tiers.SetJSON(ctx, r.sync, tiers.KeyItemCategories, legacy); err != nil {
		r.log.Warn("legacy item categories not mirrored", "tier", "sync", "err", err)
	}
	return nil
}

func (r *Repository) setLocked(cats []Category) {
	if cats == nil {
		cats = []Category{}
	}
	r.cats = cats
	r.index = BuildIndex(cats)
	r.loaded = true
}

func (r *Repository) queueLocked(reason Reason) {
	r.pending = append(r.pending, Commit{Reason: reason, Categories: Clone(r.cats)})
}

func (r *Repository) firePending() {
	r.mu.Lock()
	pending := r.pending
	r.pending = nil
	r.mu.Unlock()
	if len(pending) == 0 {
		return
	}
	r.hookMu.RLock()
	hooks := append([]CommitHook(nil), r.hooks...)
	r.hookMu.RUnlock()
	for _, commit := range pending {
		for _, hook := range hooks {
			hook(Commit{Reason: commit.Reason, Categories: Clone(commit.Categories)})
		}
	}
}

func sameMembership(a, b []Category) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Name != b[i].Name || len(a[i].Items) != len(b[i].Items) {
			return false
		}
	}
	return true
}
