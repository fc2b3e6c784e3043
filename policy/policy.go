// Package policy decides which remote domains the instance federates with.
package policy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/idna"
)

type Mode string

const (
	ModeBlocklist Mode = "blocklist"
	ModeAllowlist Mode = "allowlist"
)

const (
	KindBlock = "block"
	KindAllow = "allow"

	// ModeSetting is the settings key holding the persisted mode.
	ModeSetting = "domain_policy_mode"
)

var ErrInvalidDomain = errors.New("invalid domain")

// ParseMode accepts "blocklist" or "allowlist", case-insensitively.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeBlocklist:
		return ModeBlocklist, nil
	case ModeAllowlist:
		return ModeAllowlist, nil
	}
	return "", fmt.Errorf("unknown policy mode %q", s)
}

// Store persists rules and the mode. *db.DB satisfies it.
type Store interface {
	ReadDomainRules(ctx context.Context) (map[string][]string, error)
	AddDomainRule(ctx context.Context, domain, kind string) error
	RemoveDomainRule(ctx context.Context, domain, kind string) error
	ReadSetting(ctx context.Context, key string) (string, error)
	WriteSetting(ctx context.Context, key, value string) error
}

type snapshot struct {
	mode  Mode
	block map[string]struct{}
	allow map[string]struct{}
}

// Cache holds an immutable snapshot of the policy. Allowed never blocks.
type Cache struct {
	store       Store
	defaultMode Mode
	current     atomic.Pointer[snapshot]
	logger      zerolog.Logger
}

// New returns a cache in defaultMode with no rules. Call Reload to load the
// stored policy.
func New(store Store, defaultMode Mode) *Cache {
	if defaultMode == "" {
		defaultMode = ModeBlocklist
	}
	c := &Cache{
		store:       store,
		defaultMode: defaultMode,
		logger:      log.With().Str("component", "policy").Logger(),
	}
	c.current.Store(&snapshot{mode: defaultMode})
	return c
}

// Normalize lowercases, converts to the ASCII IDNA form and strips any port
// and trailing dot.
func Normalize(domain string) (string, error) {
	d := strings.TrimSpace(domain)
	if host, _, err := net.SplitHostPort(d); err == nil {
		d = host
	}
	d = strings.TrimSuffix(strings.ToLower(d), ".")
	if d == "" {
		return "", ErrInvalidDomain
	}
	ascii, err := idna.Lookup.ToASCII(d)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrInvalidDomain, domain, err)
	}
	return ascii, nil
}

// Allowed reports whether traffic with domain is permitted under the
// current snapshot. Unparseable domains are denied.
func (c *Cache) Allowed(domain string) bool {
	d, err := Normalize(domain)
	if err != nil {
		return false
	}
	s := c.current.Load()
	switch s.mode {
	case ModeAllowlist:
		return matches(s.allow, d)
	default:
		return !matches(s.block, d)
	}
}

// Mode returns the active mode.
func (c *Cache) Mode() Mode {
	return c.current.Load().mode
}

// matches reports whether d or any parent domain of d is in set.
func matches(set map[string]struct{}, d string) bool {
	if len(set) == 0 {
		return false
	}
	for {
		if _, ok := set[d]; ok {
			return true
		}
		i := strings.IndexByte(d, '.')
		if i < 0 {
			return false
		}
		d = d[i+1:]
	}
}

// Reload rebuilds the snapshot from the store. On error the previous
// snapshot stays in place.
func (c *Cache) Reload(ctx context.Context) error {
	rules, err := c.store.ReadDomainRules(ctx)
	if err != nil {
		return fmt.Errorf("read domain rules: %w", err)
	}

	mode := c.defaultMode
	stored, err := c.store.ReadSetting(ctx, ModeSetting)
	if err == nil {
		if m, perr := ParseMode(stored); perr == nil {
			mode = m
		} else {
			c.logger.Warn().Str("value", stored).Msg("Policy: ignoring stored mode")
		}
	}

	s := &snapshot{
		mode:  mode,
		block: toSet(rules[KindBlock]),
		allow: toSet(rules[KindAllow]),
	}
	c.current.Store(s)
	return nil
}

func toSet(domains []string) map[string]struct{} {
	set := make(map[string]struct{}, len(domains))
	for _, d := range domains {
		set[d] = struct{}{}
	}
	return set
}

// Run reloads the snapshot every interval until ctx is done, so changes made
// by other processes are picked up.
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Reload(ctx); err != nil && ctx.Err() == nil {
				c.logger.Error().Err(err).Msg("Policy: reload failed")
			}
		}
	}
}

func (c *Cache) Block(ctx context.Context, domain string) error {
	return c.addRule(ctx, domain, KindBlock)
}

func (c *Cache) Unblock(ctx context.Context, domain string) error {
	return c.removeRule(ctx, domain, KindBlock)
}

func (c *Cache) Allow(ctx context.Context, domain string) error {
	return c.addRule(ctx, domain, KindAllow)
}

func (c *Cache) Disallow(ctx context.Context, domain string) error {
	return c.removeRule(ctx, domain, KindAllow)
}

func (c *Cache) SetMode(ctx context.Context, mode Mode) error {
	if _, err := ParseMode(string(mode)); err != nil {
		return err
	}
	if err := c.store.WriteSetting(ctx, ModeSetting, string(mode)); err != nil {
		return fmt.Errorf("write mode: %w", err)
	}
	c.logger.Info().Str("mode", string(mode)).Msg("Policy: mode changed")
	return c.Reload(ctx)
}

// List returns the rules of the current snapshot, sorted.
func (c *Cache) List() (blocked, allowed []string) {
	s := c.current.Load()
	return sorted(s.block), sorted(s.allow)
}

func sorted(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for d := range set {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

func (c *Cache) addRule(ctx context.Context, domain, kind string) error {
	d, err := Normalize(domain)
	if err != nil {
		return err
	}
	if err := c.store.AddDomainRule(ctx, d, kind); err != nil {
		return fmt.Errorf("add %s rule for %s: %w", kind, d, err)
	}
	c.logger.Info().Str("domain", d).Str("kind", kind).Msg("Policy: rule added")
	return c.Reload(ctx)
}

func (c *Cache) removeRule(ctx context.Context, domain, kind string) error {
	d, err := Normalize(domain)
	if err != nil {
		return err
	}
	if err := c.store.RemoveDomainRule(ctx, d, kind); err != nil {
		return fmt.Errorf("remove %s rule for %s: %w", kind, d, err)
	}
	c.logger.Info().Str("domain", d).Str("kind", kind).Msg("Policy: rule removed")
	return c.Reload(ctx)
}
