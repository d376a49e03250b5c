package neutralgate

import (
	"strings"
	"time"
)

// ProviderID identifies a third-party text-generation service.
type ProviderID string

const (
	ProviderOpenAI ProviderID = "openai"
	ProviderGemini ProviderID = "gemini"
	ProviderClaude ProviderID = "claude"
)

// KnownProviders is the fixed, ordered set of providers a comparison may select.
var KnownProviders = []ProviderID{ProviderOpenAI, ProviderGemini, ProviderClaude}

// ParseProviderID normalizes s and reports whether it names a known provider.
// "anthropic" is accepted as an alias for claude.
func ParseProviderID(s string) (ProviderID, bool) {
	id := ProviderID(strings.ToLower(strings.TrimSpace(s)))
	if id == "anthropic" {
		id = ProviderClaude
	}
	for _, k := range KnownProviders {
		if k == id {
			return id, true
		}
	}
	return "", false
}

// Mode selects between live provider calls and deterministic placeholders.
type Mode string

const (
	ModeSimulated Mode = "simulated"
	ModeReal      Mode = "real"
)

// ParseMode returns ModeReal only for an explicit "real"; anything else is simulated.
func ParseMode(s string) Mode {
	if strings.EqualFold(strings.TrimSpace(s), string(ModeReal)) {
		return ModeReal
	}
	return ModeSimulated
}

// Tier is the caller's plan.
type Tier string

const (
	TierFree  Tier = "free"
	TierPro   Tier = "pro"
	TierAdmin Tier = "admin"
)

// ParseTier maps a plan/role string onto a Tier, defaulting to free.
func ParseTier(s string) Tier {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pro", "premium", "paid":
		return TierPro
	case "admin":
		return TierAdmin
	default:
		return TierFree
	}
}

// AtLeastPro reports whether t unlocks pro features.
func (t Tier) AtLeastPro() bool { return t == TierPro || t == TierAdmin }

// LicenseClaims are the signed claims carried by a license token.
type LicenseClaims struct {
	LicenseID string
	DeviceID  string
	Scope     []string
	Plan      Tier
	Role      string
	Providers []ProviderID
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// HasScope reports whether s is present in the claim scope.
func (c LicenseClaims) HasScope(s string) bool {
	for _, v := range c.Scope {
		if v == s {
			return true
		}
	}
	return false
}

// VerifiedIdentity is produced only by a signature-checked token.
// Privilege decisions accept this type and nothing else.
type VerifiedIdentity struct {
	Claims LicenseClaims
}

// UnverifiedHint is a structural, unsigned decode of a token payload.
// It is for UX hints only and must never grant privilege.
type UnverifiedHint struct {
	Plan      string
	LicenseID string
	Providers []string
}

// Identity is the best-effort caller identity resolved per request.
type Identity struct {
	ID                string
	Tier              Tier
	HasOwnKeys        bool
	ProvidersDeclared []ProviderID
	DeviceID          string
	Anonymous         bool

	Verified *VerifiedIdentity
	Hint     *UnverifiedHint
}

// IsAdmin reports whether the identity holds the admin tier.
func (i Identity) IsAdmin() bool { return i.Tier == TierAdmin }

// LicenseID returns the verified license id, if any.
func (i Identity) LicenseID() string {
	if i.Verified == nil {
		return ""
	}
	return i.Verified.Claims.LicenseID
}

// Result is the outcome of one provider call.
type Result struct {
	Provider  ProviderID `json:"provider"`
	Model     string     `json:"model"`
	OK        bool       `json:"ok"`
	Output    string     `json:"text,omitempty"`
	Error     string     `json:"error,omitempty"`
	LatencyMs int64      `json:"latencyMs"`
	Simulated bool       `json:"simulated"`
	Tokens    int64      `json:"tokens,omitempty"`
}

// Text returns the output, or the error text for failed calls.
func (r Result) Text() string {
	if r.OK {
		return r.Output
	}
	return "[error] " + r.Error
}

// Comparison aggregates the results of one fan-out.
type Comparison struct {
	ID        string
	Mode      Mode
	Results   map[ProviderID]Result
	Order     []ProviderID
	Summary   string
	LatencyMs int64
}

// Ordered returns results in selection order.
func (c Comparison) Ordered() []Result {
	out := make([]Result, 0, len(c.Order))
	for _, id := range c.Order {
		if r, ok := c.Results[id]; ok {
			out = append(out, r)
		}
	}
	return out
}
