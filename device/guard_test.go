package device_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ng "github.com/ineyio/neutralgate"
	"github.com/ineyio/neutralgate/device"
	"github.com/ineyio/neutralgate/license"
	"github.com/ineyio/neutralgate/store/memory"
)

type failingStore struct{}

func (failingStore) AddBounded(context.Context, string, string, int) (bool, error) {
	return false, errors.New("boom")
}

func (failingStore) Members(context.Context, string) ([]string, error) {
	return nil, errors.New("boom")
}

// Device limit: DEVICE_MAX+1 distinct devices, the last is rejected.
func TestAdmit_LimitAtMaxPlusOne(t *testing.T) {
	g := device.New(memory.New(), 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, g.Admit(ctx, "lic_1", fmt.Sprintf("dev-%d", i)))
	}
	assert.ErrorIs(t, g.Admit(ctx, "lic_1", "dev-3"), ng.ErrDeviceLimit)

	// Known devices keep working, other licenses are independent.
	assert.NoError(t, g.Admit(ctx, "lic_1", "dev-0"))
	assert.NoError(t, g.Admit(ctx, "lic_2", "dev-3"))

	devices, err := g.Devices(ctx, "lic_1")
	require.NoError(t, err)
	assert.Len(t, devices, 3)
}

func TestAdmit_EmptyIDs(t *testing.T) {
	g := device.New(memory.New(), 1)
	ctx := context.Background()

	assert.NoError(t, g.Admit(ctx, "", "dev"))
	assert.NoError(t, g.Admit(ctx, "lic", ""))

	devices, err := g.Devices(ctx, "lic")
	require.NoError(t, err)
	assert.Empty(t, devices)
}

func TestNew_DefaultMax(t *testing.T) {
	g := device.New(memory.New(), 0)
	assert.Equal(t, device.DefaultMax, g.Max())

	g.SetMax(5)
	assert.Equal(t, 5, g.Max())
}

func TestAdmit_StoreError(t *testing.T) {
	g := device.New(failingStore{}, 3)
	err := g.Admit(context.Background(), "lic", "dev")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ng.ErrDeviceLimit)
}

var _ license.Admitter = (*device.Guard)(nil)
