package categories

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/agentworkforce/catsync/internal/tiers"
)

type failingTier struct {
	tiers.Tier
	failSet bool
}

func (f *failingTier) Set(ctx context.Context, key string, value []byte) error {
	if f.failSet {
		return &tiers.UnavailableError{Tier: "test", Op: "set", Key: key, Err: errors.New("disk full")}
	}
	return f.Tier.Set(ctx, key, value)
}

type commitRecorder struct {
	mu      sync.Mutex
	commits []Commit
}

func (c *commitRecorder) hook(commit Commit) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commits = append(c.commits, commit)
}

func (c *commitRecorder) reasons() []Reason {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Reason, 0, len(c.commits))
	for _, commit := range c.commits {
		out = append(out, commit.Reason)
	}
	return out
}

func newTestRepository(t *testing.T, opts Options) *Repository {
	t.Helper()
	if opts.Local == nil {
		opts.Local = tiers.NewMemoryTier()
	}
	repo, err := NewRepository(opts)
	if err != nil {
		t.Fatalf("new repository: %v", err)
	}
	return repo
}

func names(cats []Category) []string {
	out := make([]string, 0, len(cats))
	for _, cat := range cats {
		out = append(out, cat.Name)
	}
	return out
}

func TestListReturnsDefaultsWhenEmpty(t *testing.T) {
	repo := newTestRepository(t, Options{
		Remote: RemoteLoaderFunc(func(context.Context) ([]Category, error) {
			return nil, ErrNoRemote
		}),
		DefaultNames: func(context.Context) []string { return []string{"收藏", "工作", "個人"} },
	})
	cats, err := repo.List(context.Background())
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if !reflect.DeepEqual(names(cats), []string{"收藏", "工作", "個人"}) {
		t.Fatalf("unexpected defaults %v", names(cats))
	}
	for _, cat := range cats {
		if len(cat.Items) != 0 {
			t.Fatalf("expected empty membership, got %+v", cat)
		}
	}
}

func TestNoRemoteFiresSeedCommit(t *testing.T) {
	recorder := &commitRecorder{}
	repo := newTestRepository(t, Options{
		Remote: RemoteLoaderFunc(func(context.Context) ([]Category, error) {
			return nil, ErrNoRemote
		}),
	})
	repo.OnCommit(recorder.hook)
	if _, err := repo.List(context.Background()); err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if !reflect.DeepEqual(recorder.reasons(), []Reason{ReasonSeed}) {
		t.Fatalf("expected a single seed commit, got %v", recorder.reasons())
	}
}

func TestAddCategoryCaseInsensitiveUniqueness(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t, Options{})
	if err := repo.AddCategory(ctx, "Reading"); err != nil {
		t.Fatalf("add failed: %v", err)
	}
	if err := repo.AddCategory(ctx, "rEaDiNg"); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	cats, _ := repo.List(ctx)
	count := 0
	for _, cat := range cats {
		if strings.EqualFold(cat.Name, "reading") {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one Reading category, got %d in %v", count, names(cats))
	}
	if err := repo.AddCategory(ctx, "   "); !errors.Is(err, ErrInvalidName) {
		t.Fatalf("expected ErrInvalidName, got %v", err)
	}
}

func TestSetMembershipIdempotent(t *testing.T) {
	ctx := context.Background()
	recorder := &commitRecorder{}
	repo := newTestRepository(t, Options{})
	repo.OnCommit(recorder.hook)

	for i := 0; i < 2; i++ {
		if err := repo.SetMembership(ctx, "7", "Favorites", true); err != nil {
			t.Fatalf("set membership %d failed: %v", i, err)
		}
	}
	got, _ := repo.CategoriesFor(ctx, "7")
	if !reflect.DeepEqual(got, []string{"Favorites"}) {
		t.Fatalf("expected Favorites exactly once, got %v", got)
	}
	if len(recorder.reasons()) != 1 {
		t.Fatalf("expected one commit for two identical calls, got %v", recorder.reasons())
	}

	for i := 0; i < 2; i++ {
		if err := repo.SetMembership(ctx, "7", "Favorites", false); err != nil {
			t.Fatalf("unset membership %d failed: %v", i, err)
		}
	}
	got, _ = repo.CategoriesFor(ctx, "7")
	if len(got) != 0 {
		t.Fatalf("expected no categories, got %v", got)
	}
	if err := repo.SetMembership(ctx, "7", "Nope", true); !errors.Is(err, ErrCategoryNotFound) {
		t.Fatalf("expected ErrCategoryNotFound, got %v", err)
	}
}

func TestDeleteCategoryPrunesMemberships(t *testing.T) {
	ctx := context.Background()
	local := tiers.NewMemoryTier()
	repo := newTestRepository(t, Options{Local: local})
	_ = repo.SetMembership(ctx, "1", "Work", true)
	_ = repo.SetMembership(ctx, "1", "Personal", true)
	_ = repo.SetMembership(ctx, "2", "Work", true)

	if err := repo.DeleteCategory(ctx, "work"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	cats, _ := repo.List(ctx)
	for _, cat := range cats {
		if cat.Name == "Work" {
			t.Fatalf("expected Work to be deleted, got %v", names(cats))
		}
	}
	if got, _ := repo.CategoriesFor(ctx, "1"); !reflect.DeepEqual(got, []string{"Personal"}) {
		t.Fatalf("expected only Personal for 1, got %v", got)
	}
	if got, _ := repo.CategoriesFor(ctx, "2"); len(got) != 0 {
		t.Fatalf("expected no categories for 2, got %v", got)
	}

	var legacy map[string][]string
	if err := tiers.GetJSON(ctx, local, tiers.KeyItemCategories, &legacy); err != nil {
		t.Fatalf("read legacy mirror: %v", err)
	}
	if _, ok := legacy["2"]; ok {
		t.Fatalf("expected item 2 absent from legacy mirror, got %v", legacy)
	}
	for _, list := range legacy {
		for _, name := range list {
			if name == "Work" {
				t.Fatalf("legacy mirror still references Work: %v", legacy)
			}
		}
	}
	if err := repo.DeleteCategory(ctx, "Work"); !errors.Is(err, ErrCategoryNotFound) {
		t.Fatalf("expected ErrCategoryNotFound, got %v", err)
	}
}

func TestLegacyOnlyLocalStateMigrates(t *testing.T) {
	ctx := context.Background()
	local := tiers.NewMemoryTier()
	if err := local.Set(ctx, tiers.KeyItemCategories, []byte(`{"42":["Work"],"9":["Reading"]}`)); err != nil {
		t.Fatalf("seed legacy: %v", err)
	}
	repo := newTestRepository(t, Options{Local: local})

	got, err := repo.CategoriesFor(ctx, "42")
	if err != nil {
		t.Fatalf("categories for failed: %v", err)
	}
	if !reflect.DeepEqual(got, []string{"Work"}) {
		t.Fatalf("expected [Work], got %v", got)
	}
	cats, _ := repo.List(ctx)
	if Find(cats, "Work") < 0 || Find(cats, "Reading") < 0 {
		t.Fatalf("expected Work and Reading categories, got %v", names(cats))
	}

	var stored []Category
	if err := tiers.GetJSON(ctx, local, tiers.KeyCategories, &stored); err != nil {
		t.Fatalf("expected migrated categories persisted: %v", err)
	}
	if idx := Find(stored, "Work"); idx < 0 || !stored[idx].Has("42") {
		t.Fatalf("expected persisted Work to contain 42, got %+v", stored)
	}
}

func TestLegacyMergedWithoutOverwriting(t *testing.T) {
	ctx := context.Background()
	local := tiers.NewMemoryTier()
	syncTier := tiers.NewMemoryTier()
	_ = syncTier.Set(ctx, tiers.KeyCategories, []byte(`[{"name":"Work","repositories":[{"id":"1"}]}]`))
	_ = local.Set(ctx, tiers.KeyItemCategories, []byte(`{"2":["Work","Gone"]}`))
	repo := newTestRepository(t, Options{Local: local, Sync: syncTier})

	if got, _ := repo.CategoriesFor(ctx, "1"); !reflect.DeepEqual(got, []string{"Work"}) {
		t.Fatalf("expected current-format membership kept, got %v", got)
	}
	if got, _ := repo.CategoriesFor(ctx, "2"); !reflect.DeepEqual(got, []string{"Work"}) {
		t.Fatalf("expected legacy membership merged, got %v", got)
	}
	cats, _ := repo.List(ctx)
	if Find(cats, "Gone") >= 0 {
		t.Fatalf("expected legacy-only names ignored when current data exists, got %v", names(cats))
	}
}

func TestStaleLegacyMirrorIgnoredNextToCurrentList(t *testing.T) {
	ctx := context.Background()
	local := tiers.NewMemoryTier()
	_ = local.Set(ctx, tiers.KeyCategories, []byte(`[{"name":"Work","repositories":[{"id":"1"}]}]`))
	// Mirror left behind by a commit whose legacy write failed.
	_ = local.Set(ctx, tiers.KeyItemCategories, []byte(`{"1":["Work"],"2":["Work"]}`))
	repo := newTestRepository(t, Options{Local: local})

	if got, _ := repo.CategoriesFor(ctx, "2"); len(got) != 0 {
		t.Fatalf("expected removed membership to stay removed, got %v", got)
	}
	if err := repo.ReloadLocal(ctx); err != nil {
		t.Fatalf("reload local failed: %v", err)
	}
	if got, _ := repo.CategoriesFor(ctx, "2"); len(got) != 0 {
		t.Fatalf("expected reload to ignore the stale mirror, got %v", got)
	}
	if got, _ := repo.CategoriesFor(ctx, "1"); !reflect.DeepEqual(got, []string{"Work"}) {
		t.Fatalf("expected current membership kept, got %v", got)
	}
}

func TestEmptyLocalLegacyShadowsSyncTier(t *testing.T) {
	ctx := context.Background()
	local := tiers.NewMemoryTier()
	syncTier := tiers.NewMemoryTier()
	_ = local.Set(ctx, tiers.KeyItemCategories, []byte(`{}`))
	_ = syncTier.Set(ctx, tiers.KeyItemCategories, []byte(`{"9":["Reading"]}`))
	repo := newTestRepository(t, Options{Local: local, Sync: syncTier})

	cats, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if Find(cats, "Reading") >= 0 {
		t.Fatalf("expected sync-tier legacy ignored, got %v", names(cats))
	}
	if got, _ := repo.CategoriesFor(ctx, "9"); len(got) != 0 {
		t.Fatalf("expected no membership for 9, got %v", got)
	}
}

func TestRemoteReplacesLocalState(t *testing.T) {
	ctx := context.Background()
	local := tiers.NewMemoryTier()
	_ = local.Set(ctx, tiers.KeyCategories, []byte(`[{"name":"Local","repositories":[]}]`))
	_ = local.Set(ctx, tiers.KeyItemCategories, []byte(`{"5":["Local"]}`))
	repo := newTestRepository(t, Options{
		Local: local,
		Remote: RemoteLoaderFunc(func(context.Context) ([]Category, error) {
			return []Category{{Name: "Remote", Items: []ItemRef{{ID: "3"}}}}, nil
		}),
	})
	cats, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if !reflect.DeepEqual(names(cats), []string{"Remote"}) {
		t.Fatalf("expected remote state, got %v", names(cats))
	}
	if got, _ := repo.CategoriesFor(ctx, "5"); len(got) != 0 {
		t.Fatalf("expected legacy ignored after remote load, got %v", got)
	}
	var stored []Category
	_ = tiers.GetJSON(ctx, local, tiers.KeyCategories, &stored)
	if !reflect.DeepEqual(names(stored), []string{"Remote"}) {
		t.Fatalf("expected remote state cached locally, got %v", names(stored))
	}
}

func TestRemoteFailureFallsBackToSyncTier(t *testing.T) {
	ctx := context.Background()
	syncTier := tiers.NewMemoryTier()
	_ = syncTier.Set(ctx, tiers.KeyCategories, []byte(`[{"name":"FromSync","repositories":[{"id":"1"}]}]`))
	repo := newTestRepository(t, Options{
		Sync: syncTier,
		Remote: RemoteLoaderFunc(func(context.Context) ([]Category, error) {
			return nil, errors.New("network down")
		}),
	})
	cats, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if !reflect.DeepEqual(names(cats), []string{"FromSync"}) {
		t.Fatalf("expected sync tier state, got %v", names(cats))
	}
}

func TestFailedLocalPersistLeavesMemoryUnchanged(t *testing.T) {
	ctx := context.Background()
	local := &failingTier{Tier: tiers.NewMemoryTier()}
	recorder := &commitRecorder{}
	repo := newTestRepository(t, Options{Local: local})
	repo.OnCommit(recorder.hook)
	if _, err := repo.List(ctx); err != nil {
		t.Fatalf("list failed: %v", err)
	}

	local.failSet = true
	err := repo.AddCategory(ctx, "Reading")
	if !errors.Is(err, tiers.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	cats, _ := repo.List(ctx)
	if Find(cats, "Reading") >= 0 {
		t.Fatalf("expected memory unchanged after failed persist, got %v", names(cats))
	}
	if len(recorder.reasons()) != 0 {
		t.Fatalf("expected no commits, got %v", recorder.reasons())
	}
}

func TestSyncTierFailureDoesNotFailMutation(t *testing.T) {
	ctx := context.Background()
	syncTier := &failingTier{Tier: tiers.NewMemoryTier(), failSet: true}
	repo := newTestRepository(t, Options{Sync: syncTier})
	if err := repo.AddCategory(ctx, "Reading"); err != nil {
		t.Fatalf("expected sync mirror failure to be ignored, got %v", err)
	}
}

func TestCommitsCarryPostMutationState(t *testing.T) {
	ctx := context.Background()
	recorder := &commitRecorder{}
	repo := newTestRepository(t, Options{})
	repo.OnCommit(recorder.hook)
	if err := repo.AddCategory(ctx, "Reading"); err != nil {
		t.Fatalf("add failed: %v", err)
	}
	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	if len(recorder.commits) != 1 || recorder.commits[0].Reason != ReasonAdd {
		t.Fatalf("expected one add commit, got %+v", recorder.commits)
	}
	if Find(recorder.commits[0].Categories, "Reading") < 0 {
		t.Fatalf("expected commit to include Reading, got %v", names(recorder.commits[0].Categories))
	}
}

func TestReloadLocalPicksUpExternalWrites(t *testing.T) {
	ctx := context.Background()
	local := tiers.NewMemoryTier()
	remoteCalls := 0
	repo := newTestRepository(t, Options{
		Local: local,
		Remote: RemoteLoaderFunc(func(context.Context) ([]Category, error) {
			remoteCalls++
			return nil, ErrNoRemote
		}),
	})
	if _, err := repo.List(ctx); err != nil {
		t.Fatalf("list failed: %v", err)
	}
	_ = local.Set(ctx, tiers.KeyCategories, []byte(`[{"name":"External","repositories":[]}]`))
	_ = local.Remove(ctx, tiers.KeyItemCategories)
	if err := repo.ReloadLocal(ctx); err != nil {
		t.Fatalf("reload local failed: %v", err)
	}
	cats, ok := repo.Snapshot()
	if !ok || !reflect.DeepEqual(names(cats), []string{"External"}) {
		t.Fatalf("expected external state, got %v ok=%v", names(cats), ok)
	}
	if remoteCalls != 1 {
		t.Fatalf("expected no remote call on local reload, got %d calls", remoteCalls)
	}

	repo.Invalidate()
	if _, ok := repo.Snapshot(); ok {
		t.Fatalf("expected no snapshot after invalidate")
	}
	if _, err := repo.List(ctx); err != nil {
		t.Fatalf("list after invalidate failed: %v", err)
	}
	if remoteCalls != 2 {
		t.Fatalf("expected remote consulted after invalidate, got %d calls", remoteCalls)
	}
}
