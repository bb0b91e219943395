package waifu2x

import (
	"errors"
	"testing"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
)

// plainProvider is a device provider without HAL access.
type plainProvider struct{}

func (plainProvider) Device() gpucontext.Device             { return nil }
func (plainProvider) Queue() gpucontext.Queue               { return nil }
func (plainProvider) Adapter() gpucontext.Adapter           { return nil }
func (plainProvider) SurfaceFormat() gputypes.TextureFormat { return gputypes.TextureFormatBGRA8Unorm }
func (plainProvider) AdapterInfo() gpucontext.AdapterInfo    { return gpucontext.AdapterInfo{} }

func TestNewProviderWithoutHAL(t *testing.T) {
	o := testOptions(t)
	writeModel(t, o)
	o.Provider = plainProvider{}

	p, err := New(o)
	if err == nil {
		p.Close()
		t.Fatal("New() succeeded with a provider lacking a HAL device")
	}
	if !errors.Is(err, ErrDeviceUnavailable) {
		t.Errorf("New() = %v, want ErrDeviceUnavailable", err)
	}
	if devices.Open() != 0 {
		t.Error("a device was left open")
	}
}

func TestIdentityChecksProvider(t *testing.T) {
	o := testOptions(t)
	o.Noise, o.Scale = -1, 1
	o.Provider = plainProvider{}

	p, err := New(o)
	if err == nil {
		p.Close()
		t.Fatal("New() succeeded with a provider lacking a HAL device")
	}
	if !errors.Is(err, ErrDeviceUnavailable) {
		t.Errorf("New() = %v, want ErrDeviceUnavailable", err)
	}
	if devices.Open() != 0 {
		t.Error("a device was left open")
	}
}
