// Package device limits how many devices may use one license.
package device

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/ineyio/neutralgate"
)

// DefaultMax is the default number of devices per license.
const DefaultMax = 3

// Guard admits devices against a per-license bound. Devices are never evicted.
type Guard struct {
	store neutralgate.SetStore
	max   atomic.Int64
}

// New creates a Guard over store. A max below 1 uses DefaultMax.
func New(store neutralgate.SetStore, max int) *Guard {
	g := &Guard{store: store}
	g.SetMax(max)
	return g
}

// SetMax replaces the per-license bound.
func (g *Guard) SetMax(max int) {
	if max < 1 {
		max = DefaultMax
	}
	g.max.Store(int64(max))
}

// Max returns the per-license bound.
func (g *Guard) Max() int { return int(g.max.Load()) }

// Admit binds deviceID to licenseID. It returns ErrDeviceLimit when the license
// already holds Max other devices. Empty ids are admitted without a check.
func (g *Guard) Admit(ctx context.Context, licenseID, deviceID string) error {
	if licenseID == "" || deviceID == "" {
		return nil
	}
	ok, err := g.store.AddBounded(ctx, key(licenseID), deviceID, g.Max())
	if err != nil {
		return fmt.Errorf("neutralgate/device: admit: %w", err)
	}
	if !ok {
		return neutralgate.ErrDeviceLimit
	}
	return nil
}

// Devices returns the devices bound to licenseID.
func (g *Guard) Devices(ctx context.Context, licenseID string) ([]string, error) {
	devices, err := g.store.Members(ctx, key(licenseID))
	if err != nil {
		return nil, fmt.Errorf("neutralgate/device: list: %w", err)
	}
	return devices, nil
}

func key(licenseID string) string {
	return "devices:" + licenseID
}
