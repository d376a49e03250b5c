package server

import (
	"net/http"

	"github.com/ineyio/neutralgate"
	"github.com/ineyio/neutralgate/access"
	"github.com/ineyio/neutralgate/identity"
	"github.com/ineyio/neutralgate/quota"
)

// admission is what the gate decided for one request.
type admission struct {
	identity neutralgate.Identity
	access   access.Decision
	quota    quota.Decision
}

// gate runs the pre-call pipeline: burst limit, mode decision, quota. It writes the
// error response itself and returns false when the request must stop.
//
// Bypass is evaluated twice. The first pass lets allow-listed and debug callers
// reach real mode; the second adds the pro-in-real-mode bypass, which depends on
// the effective mode.
func (s *Server) gate(w http.ResponseWriter, r *http.Request, id neutralgate.Identity, mode neutralgate.Mode) (admission, bool) {
	if ok, wait := s.limiter.allow(id.ID); !ok {
		retry := retryAfterSeconds(wait)
		s.writeErrorBody(w, r, neutralgate.ErrRateLimited, errorBody{RetryAfter: &retry})
		return admission{}, false
	}

	ctx := r.Context()
	debugSecret := r.Header.Get(identity.HeaderDebugSecret)

	pre := s.Ledger.Bypass(quota.BypassRequest{Identity: id, DebugSecret: debugSecret})
	dec, err := s.Engine.Decide(ctx, access.Request{
		Mode:     mode,
		Identity: id,
		Bypass:   pre != quota.BypassNone,
		DeviceID: id.DeviceID,
	})
	if err != nil {
		s.writeError(w, r, err)
		return admission{}, false
	}

	reason := s.Ledger.Bypass(quota.BypassRequest{
		Identity:      id,
		DebugSecret:   debugSecret,
		EffectiveMode: dec.EffectiveMode,
	})

	var q quota.Decision
	if reason != quota.BypassNone {
		q = s.Ledger.Bypassed(reason)
		s.recordQuota("bypass_" + string(reason))
	} else {
		q, err = s.Ledger.Consume(ctx, id.ID, id.Tier)
		if err != nil {
			s.writeError(w, r, err)
			return admission{}, false
		}
		if !q.Allowed {
			s.recordQuota("denied")
			setQuotaHeaders(w, q)
			s.writeQuotaExceeded(w, r, q)
			return admission{}, false
		}
		s.recordQuota("allowed")
	}

	setQuotaHeaders(w, q)
	return admission{identity: id, access: dec, quota: q}, true
}

func (s *Server) recordQuota(result string) {
	if s.prom != nil {
		s.prom.RecordQuota(result)
	}
}

// summaryAllowed reports whether the caller's plan includes the summary.
func (s *Server) summaryAllowed(id neutralgate.Identity) bool {
	return id.Tier.AtLeastPro() || s.allowFreeSummary.Load()
}
