// Package wifi reads and toggles whether a device accepts wireless
// connections from paired hosts.
package wifi

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/jmerrifield20/idevicepower/internal/device"
	"github.com/jmerrifield20/idevicepower/internal/lockdown"
)

const (
	// Domain is the lockdown domain holding the setting.
	Domain = "com.apple.mobile.wireless_lockdown"
	// Key is the boolean value toggled by Run.
	Key = "EnableWifiConnections"
	// Label identifies the tool to lockdownd.
	Label = "idevicewifi"
)

// ErrNotBool is returned when the device reports a non-boolean value.
var ErrNotBool = errors.New("wifi: value is not a boolean")

// Step names the part of Run that failed.
type Step string

const (
	StepResolve   Step = "resolve"
	StepHandshake Step = "handshake"
	StepGet       Step = "get"
	StepSet       Step = "set"
)

// StepError reports the step at which Run failed. Its diagnostic has
// already been printed.
type StepError struct {
	Step Step
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("wifi: %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Device is a resolved device that can read and write lockdown values.
type Device interface {
	UDID() string
	Handshake(ctx context.Context, label string) error
	GetValue(ctx context.Context, domain, key string) (any, error)
	SetValue(ctx context.Context, domain, key string, value any) error
	Close() error
}

var _ Device = (*device.Device)(nil)

// Connector resolves a Target to a Device.
type Connector interface {
	Connect(ctx context.Context, target device.Target) (Device, error)
}

// ConnectorFunc adapts a function to Connector.
type ConnectorFunc func(ctx context.Context, target device.Target) (Device, error)

// Connect calls f.
func (f ConnectorFunc) Connect(ctx context.Context, target device.Target) (Device, error) {
	return f(ctx, target)
}

// USBConnector adapts a device.Connector.
func USBConnector(c *device.Connector) Connector {
	return ConnectorFunc(func(ctx context.Context, target device.Target) (Device, error) {
		d, err := c.Resolve(ctx, target)
		if err != nil {
			return nil, err
		}
		return d, nil
	})
}

// Runner performs one read or toggle. The resulting state is printed to
// out and diagnostics to errOut.
type Runner struct {
	connector Connector
	logger    *zap.Logger
	out       io.Writer
	errOut    io.Writer
}

// New creates a Runner. Nil writers discard.
func New(connector Connector, logger *zap.Logger, out, errOut io.Writer) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if out == nil {
		out = io.Discard
	}
	if errOut == nil {
		errOut = io.Discard
	}
	return &Runner{connector: connector, logger: logger, out: out, errOut: errOut}
}

// Run reads the setting and, when want is non-nil and differs, writes it.
// It returns the state the device is in afterwards. The state is printed
// whenever it could be read, even if the write failed.
func (r *Runner) Run(ctx context.Context, target device.Target, want *bool) (bool, error) {
	dev, err := r.connector.Connect(ctx, target)
	if err != nil {
		if target.UDID != "" {
			r.errorf("ERROR: No device found with udid %s.\n", target.UDID)
		} else {
			r.errorf("ERROR: No device found.\n")
		}
		return false, &StepError{Step: StepResolve, Err: err}
	}
	defer func() {
		if err := dev.Close(); err != nil {
			r.logger.Debug("releasing device failed", zap.Error(err))
		}
	}()
	log := r.logger.With(zap.String("udid", dev.UDID()))

	if err := dev.Handshake(ctx, Label); err != nil {
		r.errorf("ERROR: Could not connect to lockdownd, %v\n", err)
		var lerr *lockdown.Error
		if errors.As(err, &lerr) && lerr.IsPasswordProtected() {
			r.errorf("ERROR: Device is locked, unlock it and try again.\n")
		}
		return false, &StepError{Step: StepHandshake, Err: err}
	}

	v, err := dev.GetValue(ctx, Domain, Key)
	if err == nil {
		if _, ok := v.(bool); !ok {
			err = fmt.Errorf("%w: %T", ErrNotBool, v)
		}
	}
	if err != nil {
		r.errorf("ERROR: Could not get property, %v\n", err)
		return false, &StepError{Step: StepGet, Err: err}
	}
	enabled := v.(bool)
	log.Debug("read wireless connections setting", zap.Bool("enabled", enabled))

	var runErr error
	if want != nil && *want != enabled {
		if err := dev.SetValue(ctx, Domain, Key, *want); err != nil {
			r.errorf("ERROR: Could not set property, %v\n", err)
			runErr = &StepError{Step: StepSet, Err: err}
		} else {
			log.Info("changed wireless connections setting", zap.Bool("enabled", *want))
			enabled = *want
		}
	}
	_, _ = fmt.Fprintf(r.out, "%s: %t\n", Key, enabled)
	return enabled, runErr
}

func (r *Runner) errorf(format string, args ...any) {
	_, _ = fmt.Fprintf(r.errOut, format, args...)
}
