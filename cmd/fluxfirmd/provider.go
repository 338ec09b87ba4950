package main

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/fluxfirm/fluxfirm/internal/device"
	"github.com/fluxfirm/fluxfirm/internal/install"
)

// loggingProvider is the plugin the CLI shell drives the Install Planner
// with. Transport-specific write paths (redfish, IPMI, and similar) stay out
// of this shell; loggingProvider logs each sub-step and reports success so
// the planner has a real Provider to exercise without pulling plugin code
// into core scope.
type loggingProvider struct {
	log logrus.FieldLogger
}

func (p *loggingProvider) field(d *device.Device) logrus.FieldLogger {
	return p.log.WithField("device_id", d.ID).WithField("plugin", d.PluginName)
}

func (p *loggingProvider) Probe(ctx context.Context, d *device.Device) error {
	p.field(d).Debug("provider: probe")
	return nil
}

func (p *loggingProvider) Setup(ctx context.Context, d *device.Device) error {
	p.field(d).Debug("provider: setup")
	return nil
}

func (p *loggingProvider) Detach(ctx context.Context, d *device.Device, prog install.Progress) error {
	p.field(d).Info("provider: detach")
	if prog != nil {
		prog.Step(d.ID, "detach")
	}
	return nil
}

func (p *loggingProvider) Attach(ctx context.Context, d *device.Device, prog install.Progress) error {
	p.field(d).Info("provider: attach")
	if prog != nil {
		prog.Step(d.ID, "attach")
	}
	return nil
}

func (p *loggingProvider) WriteFirmware(ctx context.Context, d *device.Device, payload []byte, prog install.Progress, flags install.WriteFlags) error {
	p.field(d).WithField("bytes", len(payload)).Info("provider: write-firmware")
	if prog != nil {
		prog.Step(d.ID, "write")
	}
	return nil
}

func (p *loggingProvider) PrepareFirmware(ctx context.Context, d *device.Device, blob []byte, flags install.WriteFlags) ([]byte, error) {
	return blob, nil
}

func (p *loggingProvider) Activate(ctx context.Context, d *device.Device, prog install.Progress) error {
	p.field(d).Info("provider: activate")
	if prog != nil {
		prog.Step(d.ID, "activate")
	}
	return nil
}

func (p *loggingProvider) Reload(ctx context.Context, d *device.Device) error {
	p.field(d).Info("provider: reload")
	return nil
}

var _ install.Provider = (*loggingProvider)(nil)
