// Package install implements the Install Planner: per-device state
// machine, parent-before-child batch ordering, and composite/sequential
// multi-release application.
package install

import (
	"context"

	"github.com/fluxfirm/fluxfirm/internal/device"
)

// WriteFlags mirrors the flag set write_firmware accepts.
type WriteFlags struct {
	NoSearch       bool
	IgnoreChecksum bool
	Force          bool
}

// DeviceRequest is a plugin-raised, user-visible prompt during write.
type DeviceRequest struct {
	DeviceID string
	Message  string
}

// RequestSink receives DeviceRequests and resumes the planner once the
// caller has acted on them.
type RequestSink interface {
	Notify(ctx context.Context, req DeviceRequest) error
}

// Progress receives coarse sub-step notifications: detach -> write ->
// attach -> reload -> activate-if-pending.
type Progress interface {
	Step(deviceID, step string)
}

// Provider is the plugin contract the core drives during install.
type Provider interface {
	Probe(ctx context.Context, d *device.Device) error
	Setup(ctx context.Context, d *device.Device) error
	Detach(ctx context.Context, d *device.Device, p Progress) error
	Attach(ctx context.Context, d *device.Device, p Progress) error
	WriteFirmware(ctx context.Context, d *device.Device, payload []byte, p Progress, flags WriteFlags) error
	PrepareFirmware(ctx context.Context, d *device.Device, blob []byte, flags WriteFlags) ([]byte, error)
	Activate(ctx context.Context, d *device.Device, p Progress) error
	Reload(ctx context.Context, d *device.Device) error
}

// RetryPredicate decides whether an error for a given device/error-kind
// pair should be retried. Retries happen only when the plugin explicitly
// registers a recovery predicate for that error kind.
type RetryPredicate func(err error) bool
