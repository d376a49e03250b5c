package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/ineyio/neutralgate"
	"github.com/ineyio/neutralgate/compare"
	"github.com/ineyio/neutralgate/identity"
	"github.com/ineyio/neutralgate/usage"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":        true,
		"providers": s.Executor.Health().Snapshot(),
		"time":      s.now().UTC(),
	})
}

type meResponse struct {
	OK        bool             `json:"ok"`
	ID        string           `json:"id"`
	Plan      neutralgate.Tier `json:"plan"`
	Verified  bool             `json:"verified"`
	PlanHint  string           `json:"planHint,omitempty"`
	Limit     *int64           `json:"limit"`
	Remaining *int64           `json:"remaining"`
	ResetAt   time.Time        `json:"resetAt"`
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	id := s.Resolver.Resolve(r)
	adm, ok := s.gate(w, r, id, neutralgate.ModeSimulated)
	if !ok {
		return
	}

	resp := meResponse{
		OK:        true,
		ID:        id.ID,
		Plan:      id.Tier,
		Verified:  id.Verified != nil,
		Remaining: remainingValue(adm.quota),
		ResetAt:   adm.quota.ResetAt,
	}
	if !adm.quota.Unlimited {
		limit := adm.quota.Limit
		resp.Limit = &limit
	}
	if id.Verified == nil && id.Hint != nil {
		resp.PlanHint = id.Hint.Plan
	}
	writeJSON(w, http.StatusOK, resp)
}

type compareBody struct {
	Prompt    string          `json:"prompt"`
	Providers json.RawMessage `json:"providers"`
	DoSummary bool            `json:"doSummary"`
	Mode      string          `json:"mode"`
}

type compareResponse struct {
	OK            bool                 `json:"ok"`
	RequestID     string               `json:"requestId"`
	Results       []neutralgate.Result `json:"results"`
	Summary       string               `json:"summary,omitempty"`
	Plan          neutralgate.Tier     `json:"plan"`
	Remaining     *int64               `json:"remaining"`
	ResetAt       time.Time            `json:"resetAt"`
	Mode          neutralgate.Mode     `json:"mode"`
	RequestedMode neutralgate.Mode     `json:"requestedMode"`
	Downgraded    bool                 `json:"downgraded,omitempty"`
	LatencyMs     int64                `json:"latencyMs"`
}

func (s *Server) handleCompare(w http.ResponseWriter, r *http.Request) {
	var body compareBody
	if err := s.decode(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := validatePrompt(body.Prompt); err != nil {
		s.writeError(w, r, err)
		return
	}
	requested, err := parseProviderField(body.Providers)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	providers := compare.SelectProviders(requested)

	id := s.Resolver.Resolve(r)
	if body.DoSummary && !s.summaryAllowed(id) {
		s.writeError(w, r, neutralgate.ErrPlanRequired)
		return
	}

	adm, ok := s.gate(w, r, id, neutralgate.ParseMode(body.Mode))
	if !ok {
		return
	}

	req := compare.Request{
		RequestID:  middleware.GetReqID(r.Context()),
		Prompt:     body.Prompt,
		Providers:  providers,
		Mode:       adm.access.EffectiveMode,
		ServerKeys: adm.access.ServerKeys,
		Tier:       id.Tier,
	}
	cmp := s.Executor.Run(r.Context(), req)
	if body.DoSummary {
		cmp.Summary = s.Summarizer.Summarize(r.Context(), req, cmp)
	}

	writeJSON(w, http.StatusOK, compareResponse{
		OK:            true,
		RequestID:     cmp.ID,
		Results:       cmp.Ordered(),
		Summary:       cmp.Summary,
		Plan:          id.Tier,
		Remaining:     remainingValue(adm.quota),
		ResetAt:       adm.quota.ResetAt,
		Mode:          cmp.Mode,
		RequestedMode: adm.access.RequestedMode,
		Downgraded:    adm.access.Downgraded,
		LatencyMs:     cmp.LatencyMs,
	})
}

type compareMultiBody struct {
	Prompt       string             `json:"prompt"`
	System       string             `json:"system"`
	Providers    []string           `json:"providers"`
	SelectedIAs  []string           `json:"selectedIAs"`
	Models       map[string]string  `json:"models"`
	Temperature  *float64           `json:"temperature"`
	Temperatures map[string]float64 `json:"temperatures"`
	UserKeys     map[string]string  `json:"userKeys"`
	Mode         string             `json:"mode"`
	DoSummary    bool               `json:"doSummary"`
}

func (s *Server) handleCompareMulti(w http.ResponseWriter, r *http.Request) {
	var body compareMultiBody
	if err := s.decode(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := validatePrompt(body.Prompt); err != nil {
		s.writeError(w, r, err)
		return
	}

	requested := body.Providers
	if len(requested) == 0 {
		requested = body.SelectedIAs
	}
	providers := compare.SelectProviders(requested)
	if err := validateTemperature(body.Temperature); err != nil {
		s.writeError(w, r, err)
		return
	}
	temps := make(map[neutralgate.ProviderID]float64, len(body.Temperatures))
	for k, v := range body.Temperatures {
		if err := validateTemperature(&v); err != nil {
			s.writeError(w, r, err)
			return
		}
		if id, ok := neutralgate.ParseProviderID(k); ok {
			temps[id] = v
		}
	}
	userKeys := providerMap(body.UserKeys)

	id := s.Resolver.Resolve(r)
	if len(userKeys) > 0 {
		id.HasOwnKeys = true
	}
	if body.DoSummary && !s.summaryAllowed(id) {
		s.writeError(w, r, neutralgate.ErrPlanRequired)
		return
	}

	adm, ok := s.gate(w, r, id, neutralgate.ParseMode(body.Mode))
	if !ok {
		return
	}

	req := compare.Request{
		RequestID:    middleware.GetReqID(r.Context()),
		Prompt:       body.Prompt,
		System:       body.System,
		Providers:    providers,
		Models:       providerMap(body.Models),
		Temperature:  body.Temperature,
		Temperatures: temps,
		UserKeys:     userKeys,
		Mode:         adm.access.EffectiveMode,
		ServerKeys:   adm.access.ServerKeys,
		Tier:         id.Tier,
	}
	cmp := s.Executor.Run(r.Context(), req)

	resp := map[string]any{
		"ok":            true,
		"requestId":     cmp.ID,
		"mode":          cmp.Mode,
		"requestedMode": adm.access.RequestedMode,
		"latencyMs":     cmp.LatencyMs,
		"plan":          id.Tier,
		"remaining":     remainingValue(adm.quota),
		"resetAt":       adm.quota.ResetAt,
		"results":       cmp.Ordered(),
	}
	for _, res := range cmp.Ordered() {
		resp[string(res.Provider)] = res.Text()
	}
	if adm.access.Downgraded {
		resp["downgraded"] = true
	}
	if body.DoSummary {
		resp["summary"] = s.Summarizer.Summarize(r.Context(), req, cmp)
	}
	writeJSON(w, http.StatusOK, resp)
}

type activateBody struct {
	Key      string `json:"key"`
	DeviceID string `json:"deviceId"`
}

type activateResponse struct {
	OK         bool             `json:"ok"`
	Token      string           `json:"token"`
	Plan       neutralgate.Tier `json:"plan"`
	Scope      []string         `json:"scope"`
	LicenseID  string           `json:"licenseId"`
	DeviceID   string           `json:"deviceId,omitempty"`
	ExpiresAt  time.Time        `json:"expiresAt"`
	DevicesMax int              `json:"devicesMax"`
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	var body activateBody
	if err := s.decode(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if body.DeviceID == "" {
		body.DeviceID = strings.TrimSpace(r.Header.Get(identity.HeaderDeviceID))
	}

	caller := s.Resolver.Resolve(r)
	if ok, wait := s.limiter.allow(caller.ID); !ok {
		retry := retryAfterSeconds(wait)
		s.writeErrorBody(w, r, neutralgate.ErrRateLimited, errorBody{RetryAfter: &retry})
		return
	}

	act, err := s.Verifier.Activate(r.Context(), body.Key, body.DeviceID)
	if err != nil {
		s.logger.Info("activation rejected",
			"request_id", middleware.GetReqID(r.Context()),
			"device_id", body.DeviceID,
			"error", err,
		)
		s.writeError(w, r, err)
		return
	}

	s.logger.Info("license activated",
		"request_id", middleware.GetReqID(r.Context()),
		"license_id", act.Claims.LicenseID,
		"device_id", act.Claims.DeviceID,
	)
	writeJSON(w, http.StatusOK, activateResponse{
		OK:         true,
		Token:      act.Token,
		Plan:       act.Claims.Plan,
		Scope:      act.Claims.Scope,
		LicenseID:  act.Claims.LicenseID,
		DeviceID:   act.Claims.DeviceID,
		ExpiresAt:  act.Claims.ExpiresAt,
		DevicesMax: s.Guard.Max(),
	})
}

type statusResponse struct {
	OK          bool             `json:"ok"`
	Plan        neutralgate.Tier `json:"plan"`
	Scope       []string         `json:"scope"`
	LicenseID   string           `json:"licenseId"`
	DeviceID    string           `json:"deviceId,omitempty"`
	ExpiresAt   time.Time        `json:"expiresAt"`
	DevicesUsed int              `json:"devicesUsed"`
	DevicesMax  int              `json:"devicesMax"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	token := identity.BearerToken(r)
	if token == "" {
		s.writeError(w, r, neutralgate.ErrNoToken)
		return
	}
	v, err := s.Verifier.Verify(token)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	c := v.Claims
	devices, err := s.Guard.Devices(r.Context(), c.LicenseID)
	if err != nil {
		s.logger.Warn("device lookup failed",
			"request_id", middleware.GetReqID(r.Context()),
			"license_id", c.LicenseID,
			"error", err,
		)
	}
	writeJSON(w, http.StatusOK, statusResponse{
		OK:          true,
		Plan:        c.Plan,
		Scope:       c.Scope,
		LicenseID:   c.LicenseID,
		DeviceID:    c.DeviceID,
		ExpiresAt:   c.ExpiresAt,
		DevicesUsed: len(devices),
		DevicesMax:  s.Guard.Max(),
	})
}

type usageBody struct {
	DeviceID   string           `json:"deviceId"`
	RequestID  string           `json:"requestId"`
	Increments map[string]int64 `json:"increments"`
	Date       string           `json:"date"`
}

type usageResponse struct {
	OK        bool             `json:"ok"`
	DeviceID  string           `json:"deviceId"`
	Date      string           `json:"date"`
	Totals    map[string]int64 `json:"totals"`
	Duplicate bool             `json:"duplicate"`
}

func (s *Server) handleUsageIncrement(w http.ResponseWriter, r *http.Request) {
	var body usageBody
	if err := s.decode(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if body.DeviceID == "" {
		body.DeviceID = strings.TrimSpace(r.Header.Get(identity.HeaderDeviceID))
	}

	caller := s.Resolver.Resolve(r)
	if ok, wait := s.limiter.allow(caller.ID); !ok {
		retry := retryAfterSeconds(wait)
		s.writeErrorBody(w, r, neutralgate.ErrRateLimited, errorBody{RetryAfter: &retry})
		return
	}

	snap, err := s.Usage.Apply(usage.Increment{
		DeviceID:   body.DeviceID,
		RequestID:  body.RequestID,
		Date:       body.Date,
		Increments: body.Increments,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, usageResponse{
		OK:        true,
		DeviceID:  snap.DeviceID,
		Date:      snap.Date,
		Totals:    snap.Totals,
		Duplicate: snap.Duplicate,
	})
}

func validatePrompt(p string) error {
	if strings.TrimSpace(p) == "" {
		return invalid("prompt is required")
	}
	if utf8.RuneCountInString(p) > maxPromptRunes {
		return invalid("prompt is too long")
	}
	return nil
}

func validateTemperature(t *float64) error {
	if t != nil && (*t < 0 || *t > 2) {
		return invalid("temperature must be between 0 and 2")
	}
	return nil
}

// parseProviderField accepts either {"openai":true,...} or ["openai",...]. Object
// keys are taken in known-provider order. Nothing enabled selects every provider.
func parseProviderField(raw json.RawMessage) ([]string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}

	if raw[0] == '[' {
		var list []string
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, invalid("providers must be an object or a list of names")
		}
		if len(list) == 0 {
			return nil, nil
		}
		return list, nil
	}

	var flags map[string]bool
	if err := json.Unmarshal(raw, &flags); err != nil {
		return nil, invalid("providers must be an object or a list of names")
	}
	if len(flags) == 0 {
		return nil, nil
	}

	on := make(map[neutralgate.ProviderID]bool, len(flags))
	for name, enabled := range flags {
		if id, ok := neutralgate.ParseProviderID(name); ok && enabled {
			on[id] = true
		}
	}
	var out []string
	for _, id := range neutralgate.KnownProviders {
		if on[id] {
			out = append(out, string(id))
		}
	}
	return out, nil
}

func providerMap(in map[string]string) map[neutralgate.ProviderID]string {
	out := make(map[neutralgate.ProviderID]string, len(in))
	for k, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if id, ok := neutralgate.ParseProviderID(k); ok {
			out[id] = v
		}
	}
	return out
}
