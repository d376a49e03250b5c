// Package access decides the effective execution mode of a comparison request.
package access

import (
	"context"
	"sync/atomic"

	"github.com/ineyio/neutralgate"
)

// DeviceAdmitter binds a device to a license.
type DeviceAdmitter interface {
	Admit(ctx context.Context, licenseID, deviceID string) error
}

// Request is the input to Decide.
type Request struct {
	Mode     neutralgate.Mode
	Identity neutralgate.Identity
	Bypass   bool
	// DeviceID overrides Identity.DeviceID when set.
	DeviceID string
}

// Decision is the outcome of Decide.
type Decision struct {
	RequestedMode neutralgate.Mode
	EffectiveMode neutralgate.Mode
	// ServerKeys permits the configured provider keys. Callers that only bring their
	// own keys run real mode with those keys alone.
	ServerKeys bool
	Downgraded bool
}

// Engine applies the real-mode policy.
type Engine struct {
	guard         DeviceAdmitter
	deviceBinding atomic.Bool
}

// Option configures Engine.
type Option func(*Engine)

// WithDeviceBinding enables the device check for licensed real-mode requests.
func WithDeviceBinding(enabled bool) Option {
	return func(e *Engine) { e.deviceBinding.Store(enabled) }
}

// New creates an Engine. guard may be nil when device binding is disabled.
func New(guard DeviceAdmitter, opts ...Option) *Engine {
	e := &Engine{guard: guard}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetDeviceBinding toggles the device check.
func (e *Engine) SetDeviceBinding(enabled bool) { e.deviceBinding.Store(enabled) }

// Decide returns the effective mode for req. Real mode without entitlement is
// downgraded to simulated rather than rejected. The only error is ErrDeviceLimit
// (or a store failure) from the device check.
func (e *Engine) Decide(ctx context.Context, req Request) (Decision, error) {
	id := req.Identity
	requested := req.Mode
	if requested != neutralgate.ModeReal {
		requested = neutralgate.ModeSimulated
	}

	d := Decision{RequestedMode: requested, EffectiveMode: neutralgate.ModeSimulated}
	privileged := id.IsAdmin() || req.Bypass || id.Tier.AtLeastPro()

	switch {
	case id.IsAdmin():
		d.EffectiveMode = neutralgate.ModeReal
		d.ServerKeys = true
	case requested == neutralgate.ModeReal && privileged:
		d.EffectiveMode = neutralgate.ModeReal
		d.ServerKeys = true
	case requested == neutralgate.ModeReal && id.HasOwnKeys:
		d.EffectiveMode = neutralgate.ModeReal
	case requested == neutralgate.ModeReal:
		d.Downgraded = true
	}

	if d.EffectiveMode == neutralgate.ModeReal && e.deviceBinding.Load() && e.guard != nil {
		deviceID := req.DeviceID
		if deviceID == "" {
			deviceID = id.DeviceID
		}
		if licenseID := id.LicenseID(); licenseID != "" {
			if err := e.guard.Admit(ctx, licenseID, deviceID); err != nil {
				return Decision{}, err
			}
		}
	}

	return d, nil
}

// Admit runs the device check used at activation. It is a no-op while device
// binding is disabled.
func (e *Engine) Admit(ctx context.Context, licenseID, deviceID string) error {
	if !e.deviceBinding.Load() || e.guard == nil {
		return nil
	}
	return e.guard.Admit(ctx, licenseID, deviceID)
}
