package managers

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/angeloszaimis/voicectl/internal/dispatch"
	"github.com/angeloszaimis/voicectl/internal/fanout"
)

const (
	ResourceDevice = "device"
	devicesListKey = "devices:list"
)

type Device struct {
	Name         string   `json:"accountName"`
	SerialNumber string   `json:"serialNumber"`
	DeviceType   string   `json:"deviceType"`
	Family       string   `json:"deviceFamily"`
	Online       bool     `json:"online"`
	Capabilities []string `json:"capabilities,omitempty"`
}

func (d Device) HasCapability(name string) bool {
	for _, c := range d.Capabilities {
		if c == name {
			return true
		}
	}
	return false
}

func (d Device) params() url.Values {
	return url.Values{
		"deviceSerialNumber": {d.SerialNumber},
		"deviceType":         {d.DeviceType},
	}
}

type deviceList struct {
	Devices []Device `json:"devices"`
}

type Devices struct {
	api  dispatch.ApiExecutor
	pool *fanout.Pool
}

func NewDevices(api dispatch.ApiExecutor, pool *fanout.Pool) *Devices {
	if pool == nil {
		pool = fanout.New(fanout.DefaultWorkers, 0)
	}
	return &Devices{api: api, pool: pool}
}

func (m *Devices) List(ctx context.Context) ([]Device, Source, error) {
	res := m.api.Execute(ctx, dispatch.Call{
		Method:   http.MethodGet,
		Endpoint: "/api/devices-v2/device",
		Params:   url.Values{"cached": {"false"}},
		CacheKey: devicesListKey,
		Resource: ResourceDevice,
	})

	body, src, err := decode[deviceList](res)
	return body.Devices, src, err
}

// Find looks a device up by its name, ignoring case.
func (m *Devices) Find(ctx context.Context, name string) (Device, error) {
	devices, _, err := m.List(ctx)
	if err != nil {
		return Device{}, err
	}
	for _, d := range devices {
		if matchName(d.Name, name) {
			return d, nil
		}
	}
	return Device{}, notFound(ErrDeviceNotFound, name)
}

func (m *Devices) SetVolume(ctx context.Context, device Device, level int) error {
	if level < 0 || level > 100 {
		return fmt.Errorf("volume %d out of range 0-100", level)
	}

	return command(m.api.Execute(ctx, dispatch.Call{
		Method:   http.MethodPost,
		Endpoint: "/api/np/command",
		Params:   device.params(),
		Body: map[string]any{
			"type":        "VolumeLevelCommand",
			"volumeLevel": level,
		},
		Resource:    ResourceDevice,
		Invalidates: []string{playerStateKey(device)},
	}))
}

// SetVolumeAll sets the volume on every online device that supports it.
// Devices are addressed through the bounded pool; failures are reported per
// device.
func (m *Devices) SetVolumeAll(ctx context.Context, level int) error {
	devices, _, err := m.List(ctx)
	if err != nil {
		return err
	}

	var targets []Device
	for _, d := range devices {
		if d.Online && d.HasCapability("VOLUME_SETTING") {
			targets = append(targets, d)
		}
	}

	errs := fanout.Each(ctx, m.pool, targets, func(ctx context.Context, d Device) error {
		return m.SetVolume(ctx, d, level)
	})
	return fanout.Join(targets, errs, func(d Device) string { return d.Name })
}
