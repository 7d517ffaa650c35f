// Package tokens resolves and persists the remote-service credential across
// the storage tiers.
package tokens

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/agentworkforce/catsync/internal/tiers"
	"pkt.systems/pslog"
)

var ErrEmptyToken = errors.New("empty token")

type Options struct {
	// Primary is the durable local tier. Required.
	Primary tiers.Tier
	// Ephemeral is the session tier; nil when unavailable.
	Ephemeral tiers.Tier
	// Sync is the low-priority cross-device tier. It normally only holds
	// the hasAccessToken hint.
	Sync   tiers.Tier
	Logger pslog.Logger
}

// Store probes the tiers on every call; it keeps no copy of the secret.
type Store struct {
	primary   tiers.Tier
	ephemeral tiers.Tier
	sync      tiers.Tier
	log       pslog.Logger
}

func NewStore(opts Options) (*Store, error) {
	if opts.Primary == nil {
		return nil, errors.New("tokens: primary tier is required")
	}
	log := opts.Logger
	if log == nil {
		log = pslog.Ctx(context.Background())
	}
	return &Store{
		primary:   opts.Primary,
		ephemeral: opts.Ephemeral,
		sync:      opts.Sync,
		log:       log.With("component", "tokens"),
	}, nil
}

type outcome int

const (
	miss outcome = iota
	hit
	failed
)

type probe struct {
	name    string
	tier    tiers.Tier
	key     string
	promote bool
}

func (p probe) run(ctx context.Context) (string, outcome, error) {
	if p.tier == nil {
		return "", miss, nil
	}
	token, err := tiers.GetString(ctx, p.tier, p.key)
	if err != nil {
		if errors.Is(err, tiers.ErrNotFound) {
			return "", miss, nil
		}
		return "", failed, err
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", miss, nil
	}
	return token, hit, nil
}

func (s *Store) probes() []probe {
	return []probe{
		{name: "primary", tier: s.primary, key: tiers.KeyAccessToken},
		{name: "ephemeral", tier: s.ephemeral, key: tiers.KeyAccessToken, promote: true},
		{name: "legacy", tier: s.primary, key: tiers.KeyLegacyToken, promote: true},
		{name: "sync", tier: s.sync, key: tiers.KeyAccessToken, promote: true},
	}
}

// Token returns the first token found. A hit outside the primary key is
// copied into it. Tier failures count as misses.
func (s *Store) Token(ctx context.Context) (string, bool) {
	return firstHit(ctx, s.probes(), s.promote, s.log)
}

func firstHit(ctx context.Context, probes []probe, promote func(context.Context, string, string), log pslog.Logger) (string, bool) {
	for _, p := range probes {
		token, result, err := p.run(ctx)
		switch result {
		case hit:
			if p.promote {
				promote(ctx, p.name, token)
			}
			return token, true
		case failed:
			log.Debug("token probe failed", "probe", p.name, "err", err)
		}
	}
	return "", false
}

func (s *Store) promote(ctx context.Context, from, token string) {
	if err := tiers.SetJSON(ctx, s.primary, tiers.KeyAccessToken, token); err != nil {
		s.log.Warn("token promotion failed", "from", from, "err", err)
		return
	}
	s.log.Debug("token promoted", "from", from)
}

// SetToken stores token in the primary tier. The ephemeral copy and the
// sync-tier hint are best effort.
func (s *Store) SetToken(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrEmptyToken
	}
	if err := tiers.SetJSON(ctx, s.primary, tiers.KeyAccessToken, token); err != nil {
		return fmt.Errorf("store token: %w", err)
	}
	if s.ephemeral != nil {
		if err := tiers.SetJSON(ctx, s.ephemeral, tiers.KeyAccessToken, token); err != nil {
			s.log.Warn("token not stored in ephemeral tier", "err", err)
		}
	}
	s.setHint(ctx, true)
	return nil
}

// ClearToken removes the token under every key and tier.
func (s *Store) ClearToken(ctx context.Context) error {
	if err := s.primary.Remove(ctx, tiers.KeyAccessToken); err != nil {
		return fmt.Errorf("clear token: %w", err)
	}
	if err := s.primary.Remove(ctx, tiers.KeyLegacyToken); err != nil {
		s.log.Warn("legacy token not cleared", "err", err)
	}
	for name, tier := range map[string]tiers.Tier{"ephemeral": s.ephemeral, "sync": s.sync} {
		if tier == nil {
			continue
		}
		if err := tier.Remove(ctx, tiers.KeyAccessToken); err != nil {
			s.log.Warn("token not cleared", "tier", name, "err", err)
		}
	}
	s.setHint(ctx, false)
	return nil
}

// HasTokenHint reads the non-secret flag from the sync tier.
func (s *Store) HasTokenHint(ctx context.Context) bool {
	var has bool
	if err := tiers.GetJSON(ctx, s.sync, tiers.KeyHasAccessToken, &has); err != nil {
		return false
	}
	return has
}

func (s *Store) setHint(ctx context.Context, has bool) {
	if s.sync == nil {
		return
	}
	if err := tiers.SetJSON(ctx, s.sync, tiers.KeyHasAccessToken, has); err != nil {
		s.log.Warn("token hint not stored", "err", err)
	}
}
