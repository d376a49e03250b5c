// Package identity resolves a best-effort caller identity from request headers.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/ineyio/neutralgate"
	"github.com/ineyio/neutralgate/license"
)

// Header names read by the resolver.
const (
	HeaderAuthorization = "Authorization"
	HeaderAccessToken   = "X-Access-Token"
	HeaderAppKey        = "X-App-Key"
	HeaderPlan          = "X-Plan"
	HeaderDeviceID      = "X-Device-Id"
	HeaderDebugSecret   = "X-Debug-Secret"
)

// ProviderHeaders declare that the caller brings its own provider keys.
var ProviderHeaders = []string{"X-User-Providers", "X-User-Keys", "X-Providers"}

// TokenVerifier verifies license tokens.
type TokenVerifier interface {
	Verify(token string) (neutralgate.VerifiedIdentity, error)
}

// Resolver builds an Identity from a request. It never fails: anything it cannot
// establish falls back to an anonymous free caller.
type Resolver struct {
	verifier TokenVerifier

	mu              sync.RWMutex
	adminIDs        map[string]struct{}
	proAppKeys      map[string]struct{}
	trustPlanHeader bool
}

// Option configures Resolver.
type Option func(*Resolver)

// WithConfig applies the identity section of the service config.
func WithConfig(cfg neutralgate.IdentityConfig) Option {
	return func(r *Resolver) { r.apply(cfg) }
}

// New creates a Resolver.
func New(v TokenVerifier, opts ...Option) *Resolver {
	r := &Resolver{
		verifier:   v,
		adminIDs:   map[string]struct{}{},
		proAppKeys: map[string]struct{}{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Update replaces the admin ids, pro app keys and plan-header trust.
func (r *Resolver) Update(cfg neutralgate.IdentityConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.apply(cfg)
}

func (r *Resolver) apply(cfg neutralgate.IdentityConfig) {
	r.adminIDs = toSet(cfg.AdminIDs)
	r.proAppKeys = toSet(cfg.ProAppKeys)
	r.trustPlanHeader = cfg.TrustPlanHeader
}

// Resolve returns the caller identity for req.
func (r *Resolver) Resolve(req *http.Request) neutralgate.Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id := neutralgate.Identity{Tier: neutralgate.TierFree}

	if token := BearerToken(req); token != "" {
		if hint, ok := license.Hint(token); ok {
			id.Hint = &hint
		}
		if r.verifier != nil {
			if v, err := r.verifier.Verify(token); err == nil {
				id.Verified = &v
				id.ID = v.Claims.LicenseID
				id.DeviceID = v.Claims.DeviceID
				id.Tier = tierFromClaims(v.Claims)
				id.ProvidersDeclared = append(id.ProvidersDeclared, v.Claims.Providers...)
			}
		}
	}

	appKey := strings.TrimSpace(req.Header.Get(HeaderAppKey))
	if id.ID == "" && appKey != "" {
		id.ID = "app:" + shortHash(appKey)
		if _, ok := r.proAppKeys[appKey]; ok {
			id.Tier = neutralgate.TierPro
		}
	}

	if id.ID == "" {
		id.ID = "anon:" + shortHash(clientIP(req))
		id.Anonymous = true
	}

	if r.trustPlanHeader {
		if plan := req.Header.Get(HeaderPlan); plan != "" {
			id.Tier = neutralgate.ParseTier(plan)
		}
	}

	if r.isAdmin(id.ID, appKey) {
		id.Tier = neutralgate.TierAdmin
	}

	if dev := strings.TrimSpace(req.Header.Get(HeaderDeviceID)); dev != "" {
		id.DeviceID = dev
	}

	declared, present := declaredProviders(req.Header)
	id.ProvidersDeclared = dedupe(append(id.ProvidersDeclared, declared...))
	id.HasOwnKeys = present || (id.Verified != nil && len(id.Verified.Claims.Providers) > 0)

	return id
}

// BearerToken extracts the token from Authorization (any scheme case) or
// x-access-token.
func BearerToken(req *http.Request) string {
	if auth := strings.TrimSpace(req.Header.Get(HeaderAuthorization)); auth != "" {
		scheme, token, ok := strings.Cut(auth, " ")
		if ok && strings.EqualFold(scheme, "bearer") {
			return strings.TrimSpace(token)
		}
	}
	return strings.TrimSpace(req.Header.Get(HeaderAccessToken))
}

func (r *Resolver) isAdmin(ids ...string) bool {
	for _, id := range ids {
		if _, ok := r.adminIDs[id]; ok && id != "" {
			return true
		}
	}
	return false
}

func tierFromClaims(c neutralgate.LicenseClaims) neutralgate.Tier {
	switch {
	case strings.EqualFold(c.Role, "admin"):
		return neutralgate.TierAdmin
	case c.Plan.AtLeastPro():
		return c.Plan
	case neutralgate.ParseTier(c.Role) == neutralgate.TierPro:
		return neutralgate.TierPro
	}
	for _, s := range c.Scope {
		if strings.Contains(strings.ToLower(s), "pro") {
			return neutralgate.TierPro
		}
	}
	return neutralgate.TierFree
}

// declaredProviders reads the provider headers in repeated or comma-separated form.
// present is true when any of them carries a non-empty value.
func declaredProviders(h http.Header) ([]neutralgate.ProviderID, bool) {
	var out []neutralgate.ProviderID
	present := false
	for _, name := range ProviderHeaders {
		for _, v := range h.Values(name) {
			for _, part := range strings.Split(v, ",") {
				part = strings.TrimSpace(part)
				if part == "" {
					continue
				}
				present = true
				if id, ok := neutralgate.ParseProviderID(part); ok {
					out = append(out, id)
				}
			}
		}
	}
	return out, present
}

func clientIP(req *http.Request) string {
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}

func shortHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:8])
}

func dedupe(ids []neutralgate.ProviderID) []neutralgate.ProviderID {
	seen := make(map[neutralgate.ProviderID]struct{}, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func toSet(ss []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ss))
	for _, s := range ss {
		if s = strings.TrimSpace(s); s != "" {
			set[s] = struct{}{}
		}
	}
	return set
}
