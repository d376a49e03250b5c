// Package license issues and verifies signed license tokens and validates
// activation keys.
package license

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"

	"github.com/ineyio/neutralgate"
)

// Scopes granted by activation.
const (
	ScopePro     = "pro"
	ScopeReal    = "neutral:real"
	ScopeSummary = "neutral:summary"
)

// DefaultScope is merged into every issued token.
var DefaultScope = []string{ScopePro, ScopeReal}

// Admitter binds a device to a license.
type Admitter interface {
	Admit(ctx context.Context, licenseID, deviceID string) error
}

// Activation is the result of a successful key activation.
type Activation struct {
	Token  string
	Claims neutralgate.LicenseClaims
}

type tokenClaims struct {
	jwt.RegisteredClaims
	Scope     []string `json:"scope,omitempty"`
	Plan      string   `json:"plan,omitempty"`
	Role      string   `json:"role,omitempty"`
	DeviceID  string   `json:"deviceId,omitempty"`
	Providers []string `json:"providers,omitempty"`
}

// Verifier signs and verifies HS256 license tokens.
type Verifier struct {
	secret    []byte
	issuer    string
	ttl       time.Duration
	permitted map[string]struct{}
	roles     map[string]struct{}
	admitter  Admitter
	now       func() time.Time
	parser    *jwt.Parser

	mu         sync.RWMutex
	keys       []string
	hashedKeys []string
	hashSecret []byte
}

// Option configures Verifier.
type Option func(*Verifier)

// WithIssuer sets the iss claim written and required on tokens.
func WithIssuer(iss string) Option {
	return func(v *Verifier) { v.issuer = iss }
}

// WithTTL sets the token lifetime used by Activate.
func WithTTL(d time.Duration) Option {
	return func(v *Verifier) { v.ttl = d }
}

// WithKeys sets the literal activation keys.
func WithKeys(keys []string) Option {
	return func(v *Verifier) { v.keys = keys }
}

// WithHashedKeys sets activation keys stored as hex HMAC-SHA256 digests under hashSecret.
func WithHashedKeys(hashSecret string, digests []string) Option {
	return func(v *Verifier) {
		v.hashSecret = []byte(hashSecret)
		v.hashedKeys = digests
	}
}

// WithPermittedScopes replaces the scopes a caller may request at issue time.
func WithPermittedScopes(scopes []string) Option {
	return func(v *Verifier) { v.permitted = toSet(scopes) }
}

// WithPermittedRoles sets the roles Issue may sign. By default no role is signed
// and an admin plan is lowered to pro.
func WithPermittedRoles(roles []string) Option {
	return func(v *Verifier) {
		v.roles = make(map[string]struct{}, len(roles))
		for _, r := range roles {
			v.roles[strings.ToLower(strings.TrimSpace(r))] = struct{}{}
		}
	}
}

// WithAdmitter sets the device guard consulted by Activate.
func WithAdmitter(a Admitter) Option {
	return func(v *Verifier) { v.admitter = a }
}

// WithClock overrides the time source used when issuing.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

// NewVerifier creates a verifier signing with secret. An empty secret makes every
// verification fail.
func NewVerifier(secret string, opts ...Option) *Verifier {
	v := &Verifier{
		secret:    []byte(secret),
		issuer:    "neutralgate",
		ttl:       30 * 24 * time.Hour,
		permitted: toSet(append([]string{ScopeSummary}, DefaultScope...)),
		now:       time.Now,
		parser:    jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// SetKeys replaces the activation allow-lists.
func (v *Verifier) SetKeys(keys []string, hashSecret string, digests []string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.keys = keys
	v.hashSecret = []byte(hashSecret)
	v.hashedKeys = digests
}

// Verify checks signature, algorithm and expiry and returns the signed claims.
func (v *Verifier) Verify(token string) (neutralgate.VerifiedIdentity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return neutralgate.VerifiedIdentity{}, neutralgate.ErrNoToken
	}
	if len(v.secret) == 0 {
		return neutralgate.VerifiedIdentity{}, neutralgate.ErrInvalidToken
	}

	var claims tokenClaims
	parsed, err := v.parser.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil {
		return neutralgate.VerifiedIdentity{}, fmt.Errorf("%w: %v", neutralgate.ErrInvalidToken, err)
	}
	if !parsed.Valid || claims.ExpiresAt == nil || claims.Subject == "" {
		return neutralgate.VerifiedIdentity{}, neutralgate.ErrInvalidToken
	}
	if v.issuer != "" && !claims.VerifyIssuer(v.issuer, true) {
		return neutralgate.VerifiedIdentity{}, fmt.Errorf("%w: issuer mismatch", neutralgate.ErrInvalidToken)
	}

	return neutralgate.VerifiedIdentity{Claims: claims.toLicense()}, nil
}

// Issue signs claims valid for ttl. DefaultScope is always granted; requested scopes
// outside the permitted set are dropped.
func (v *Verifier) Issue(c neutralgate.LicenseClaims, ttl time.Duration) (string, neutralgate.LicenseClaims, error) {
	if len(v.secret) == 0 {
		return "", neutralgate.LicenseClaims{}, errors.New("neutralgate/license: signing secret not configured")
	}
	if c.LicenseID == "" {
		return "", neutralgate.LicenseClaims{}, errors.New("neutralgate/license: license id is required")
	}

	now := v.now()
	c.IssuedAt = now.Truncate(time.Second)
	c.ExpiresAt = now.Add(ttl).Truncate(time.Second)
	c.Scope = v.mergeScope(c.Scope)
	if !v.rolePermitted(c.Role) {
		c.Role = ""
	}
	switch c.Plan {
	case neutralgate.TierFree, neutralgate.TierPro:
	case neutralgate.TierAdmin:
		if !v.rolePermitted(string(c.Plan)) {
			c.Plan = neutralgate.TierPro
		}
	default:
		c.Plan = neutralgate.TierPro
	}

	providers := make([]string, len(c.Providers))
	for i, p := range c.Providers {
		providers[i] = string(p)
	}

	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   c.LicenseID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(c.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(c.ExpiresAt),
			ID:        uuid.NewString(),
		},
		Scope:     c.Scope,
		Plan:      string(c.Plan),
		Role:      c.Role,
		DeviceID:  c.DeviceID,
		Providers: providers,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", neutralgate.LicenseClaims{}, fmt.Errorf("neutralgate/license: sign: %w", err)
	}
	return signed, c, nil
}

// Activate validates key, binds deviceID to the license and issues a pro token.
// The license id is derived from the key and is the same on every activation.
func (v *Verifier) Activate(ctx context.Context, key, deviceID string) (Activation, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return Activation{}, neutralgate.ErrNoKey
	}
	if !v.keyAllowed(key) {
		return Activation{}, neutralgate.ErrInvalidKey
	}

	licenseID := LicenseID(key)
	if v.admitter != nil {
		if err := v.admitter.Admit(ctx, licenseID, deviceID); err != nil {
			return Activation{}, err
		}
	}

	token, claims, err := v.Issue(neutralgate.LicenseClaims{
		LicenseID: licenseID,
		DeviceID:  deviceID,
		Plan:      neutralgate.TierPro,
	}, v.ttl)
	if err != nil {
		return Activation{}, err
	}
	return Activation{Token: token, Claims: claims}, nil
}

// Hint decodes the token payload without checking the signature. The result must
// only be used for display and logging.
func Hint(token string) (neutralgate.UnverifiedHint, bool) {
	var claims tokenClaims
	if _, _, err := jwt.NewParser().ParseUnverified(strings.TrimSpace(token), &claims); err != nil {
		return neutralgate.UnverifiedHint{}, false
	}
	return neutralgate.UnverifiedHint{
		Plan:      claims.Plan,
		LicenseID: claims.Subject,
		Providers: claims.Providers,
	}, true
}

// LicenseID derives the stable license id for an activation key.
func LicenseID(key string) string {
	sum := sha256.Sum256([]byte(key))
	return "lic_" + hex.EncodeToString(sum[:])[:24]
}

// HashKey returns the hex HMAC-SHA256 digest of key under secret, the form stored
// in the hashed allow-list.
func HashKey(secret, key string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(key))
	return hex.EncodeToString(mac.Sum(nil))
}

// keyAllowed checks every entry so timing does not depend on which one matched.
func (v *Verifier) keyAllowed(key string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()

	match := 0
	for _, k := range v.keys {
		match |= subtle.ConstantTimeCompare([]byte(k), []byte(key))
	}
	if len(v.hashedKeys) > 0 && len(v.hashSecret) > 0 {
		digest := []byte(HashKey(string(v.hashSecret), key))
		for _, h := range v.hashedKeys {
			match |= subtle.ConstantTimeCompare([]byte(strings.ToLower(h)), digest)
		}
	}
	return match == 1
}

func (v *Verifier) mergeScope(requested []string) []string {
	out := append([]string(nil), DefaultScope...)
	seen := toSet(out)
	for _, s := range requested {
		if _, ok := v.permitted[s]; !ok {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func (v *Verifier) rolePermitted(role string) bool {
	if role == "" {
		return false
	}
	_, ok := v.roles[strings.ToLower(role)]
	return ok
}

func (c tokenClaims) toLicense() neutralgate.LicenseClaims {
	lc := neutralgate.LicenseClaims{
		LicenseID: c.Subject,
		DeviceID:  c.DeviceID,
		Scope:     c.Scope,
		Plan:      neutralgate.ParseTier(c.Plan),
		Role:      c.Role,
	}
	if c.IssuedAt != nil {
		lc.IssuedAt = c.IssuedAt.Time
	}
	if c.ExpiresAt != nil {
		lc.ExpiresAt = c.ExpiresAt.Time
	}
	for _, p := range c.Providers {
		if id, ok := neutralgate.ParseProviderID(p); ok {
			lc.Providers = append(lc.Providers, id)
		}
	}
	return lc
}

func toSet(ss []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ss))
	for _, s := range ss {
		set[s] = struct{}{}
	}
	return set
}
