// Package device finds a device through usbmuxd, performs the lockdown
// handshake and opens property list sessions to device services.
package device

import (
	"context"
	"errors"
	"fmt"
	"net"

	"go.uber.org/zap"

	"github.com/jmerrifield20/idevicepower/internal/lockdown"
	"github.com/jmerrifield20/idevicepower/internal/usbmux"
	"github.com/jmerrifield20/idevicepower/pkg/plistservice"
	"github.com/jmerrifield20/idevicepower/pkg/power"
)

var (
	// ErrNoDevice is returned when no device matches the Target.
	ErrNoDevice = errors.New("device: no device found")
	// ErrNotConnected is returned when a lockdown request runs before
	// Handshake.
	ErrNotConnected = errors.New("device: lockdown handshake not performed")
)

// Mux is the part of the usbmuxd client a Connector needs.
type Mux interface {
	Devices(ctx context.Context) ([]usbmux.Device, error)
	PairRecord(ctx context.Context, udid string) (*usbmux.PairRecord, error)
	BUID(ctx context.Context) (string, error)
	Connect(ctx context.Context, deviceID uint64, port uint16) (net.Conn, error)
}

var _ Mux = (*usbmux.Client)(nil)

// Target selects a device.
type Target struct {
	UDID    string // empty selects the first device found
	Network bool   // also consider devices reachable over the network
}

// Connector resolves Targets to Devices.
type Connector struct {
	mux    Mux
	logger *zap.Logger
}

// NewConnector creates a Connector using mux.
func NewConnector(mux Mux, logger *zap.Logger) *Connector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Connector{mux: mux, logger: logger}
}

// Resolve picks the device matching target. USB connections win over
// network connections to the same device.
func (c *Connector) Resolve(ctx context.Context, target Target) (*Device, error) {
	devices, err := c.mux.Devices(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoDevice, err)
	}

	var found *usbmux.Device
	for i := range devices {
		d := &devices[i]
		if d.ConnectionType == usbmux.ConnectionNetwork && !target.Network {
			continue
		}
		if target.UDID != "" && d.UDID != target.UDID {
			continue
		}
		if found == nil || (found.ConnectionType != usbmux.ConnectionUSB && d.ConnectionType == usbmux.ConnectionUSB) {
			found = d
		}
	}
	if found == nil {
		if target.UDID != "" {
			return nil, fmt.Errorf("%w with udid %s", ErrNoDevice, target.UDID)
		}
		return nil, ErrNoDevice
	}

	c.logger.Debug("resolved device",
		zap.String("udid", found.UDID),
		zap.Uint64("device_id", found.DeviceID),
		zap.String("connection", string(found.ConnectionType)),
	)
	return &Device{info: *found, mux: c.mux, logger: c.logger}, nil
}

// Device is a resolved device handle. It is not safe for concurrent use.
type Device struct {
	info     usbmux.Device
	mux      Mux
	lockdown *lockdown.Client
	record   *usbmux.PairRecord
	logger   *zap.Logger
}

// UDID returns the device identifier.
func (d *Device) UDID() string { return d.info.UDID }

// Info returns the usbmuxd device entry.
func (d *Device) Info() usbmux.Device { return d.info }

// Handshake connects to lockdownd, checks its type and starts an
// authenticated session using the stored pair record.
func (d *Device) Handshake(ctx context.Context, label string) error {
	if d.lockdown != nil {
		return nil
	}
	record, err := d.mux.PairRecord(ctx, d.info.UDID)
	if err != nil {
		return err
	}
	if record.SystemBUID == "" {
		// older pair records omit it; usbmuxd knows the host's
		if record.SystemBUID, err = d.mux.BUID(ctx); err != nil {
			return err
		}
	}
	conn, err := d.mux.Connect(ctx, d.info.DeviceID, lockdown.Port)
	if err != nil {
		return err
	}

	lc := lockdown.New(plistservice.New(conn), label, d.logger)
	typ, err := lc.QueryType()
	if err != nil {
		_ = lc.Close()
		return err
	}
	if typ != lockdown.ServiceType {
		_ = lc.Close()
		return fmt.Errorf("%w: %q", lockdown.ErrUnexpectedType, typ)
	}
	if err := lc.StartSession(record); err != nil {
		_ = lc.Close()
		return err
	}
	d.lockdown = lc
	d.record = record
	return nil
}

// GetValue reads a lockdown value. Handshake must have run.
func (d *Device) GetValue(_ context.Context, domain, key string) (any, error) {
	if d.lockdown == nil {
		return nil, ErrNotConnected
	}
	return d.lockdown.GetValue(domain, key)
}

// SetValue writes a lockdown value. Handshake must have run.
func (d *Device) SetValue(_ context.Context, domain, key string, value any) error {
	if d.lockdown == nil {
		return ErrNotConnected
	}
	return d.lockdown.SetValue(domain, key, value)
}

// StartService starts name through the lockdown session, then ends that
// session; lockdownd is not needed once the service port is known.
func (d *Device) StartService(_ context.Context, name string) (lockdown.ServiceDescriptor, error) {
	if d.lockdown == nil {
		return lockdown.ServiceDescriptor{}, ErrNotConnected
	}
	desc, err := d.lockdown.StartService(name)
	if cerr := d.lockdown.Close(); cerr != nil {
		d.logger.Debug("closing lockdown session failed", zap.Error(cerr))
	}
	d.lockdown = nil
	return desc, err
}

// OpenService connects to a started service and returns its session,
// upgraded to TLS when the descriptor requires it.
func (d *Device) OpenService(ctx context.Context, desc lockdown.ServiceDescriptor) (*plistservice.Session, error) {
	if desc.Port == 0 {
		return nil, lockdown.ErrInvalidPort
	}
	conn, err := d.mux.Connect(ctx, d.info.DeviceID, desc.Port)
	if err != nil {
		return nil, err
	}
	s := plistservice.New(conn)
	if desc.SSL {
		cfg, err := lockdown.TLSConfig(d.record)
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		if err := s.EnableSSL(cfg); err != nil {
			_ = s.Close()
			return nil, err
		}
	}
	return s, nil
}

// OpenSession implements power.SessionOpener: handshake, start the
// service and connect to it.
func (d *Device) OpenSession(ctx context.Context, service, label string) (power.Session, error) {
	if err := d.Handshake(ctx, label); err != nil {
		return nil, err
	}
	desc, err := d.StartService(ctx, service)
	if err != nil {
		return nil, err
	}
	return d.OpenService(ctx, desc)
}

// Close releases the device handle and any open lockdown session.
func (d *Device) Close() error {
	if d.lockdown == nil {
		return nil
	}
	err := d.lockdown.Close()
	d.lockdown = nil
	return err
}
