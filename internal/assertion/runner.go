// Package assertion drives one power assertion from device lookup to
// release.
package assertion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/idevicepower/internal/device"
	"github.com/jmerrifield20/idevicepower/internal/lockdown"
	"github.com/jmerrifield20/idevicepower/pkg/power"
)

// Stage names a step of Run for error reporting.
type Stage string

const (
	StageResolve      Stage = "resolve"
	StageHandshake    Stage = "handshake"
	StageStartService Stage = "start_service"
	StageConnect      Stage = "connect"
	StageSend         Stage = "send"
	StageReceive      Stage = "receive"
)

// StageError reports the step at which Run failed.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("assertion: %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// StageOf returns the failed stage of an error returned by Run, or "".
func StageOf(err error) Stage {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return ""
}

// Device is a resolved device that can reach the assertion agent.
type Device interface {
	UDID() string
	Handshake(ctx context.Context, label string) error
	StartService(ctx context.Context, name string) (lockdown.ServiceDescriptor, error)
	OpenService(ctx context.Context, desc lockdown.ServiceDescriptor) (power.Session, error)
	Close() error
}

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
		return usbDevice{d}, nil
	})
}

type usbDevice struct{ *device.Device }

func (d usbDevice) OpenService(ctx context.Context, desc lockdown.ServiceDescriptor) (power.Session, error) {
	s, err := d.Device.OpenService(ctx, desc)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Recorder receives client and assertion metrics. *metrics.Recorder
// satisfies it.
type Recorder interface {
	power.Observer
	RecordAssertion(t power.AssertionType, success bool)
	RecordHold(d time.Duration)
}

// Config selects the device and the assertion to create.
type Config struct {
	Target  device.Target
	Type    power.AssertionType
	Timeout time.Duration
}

// Outcome describes a run that reached a connected client.
type Outcome struct {
	Request    power.AssertionRequest
	Response   power.Document
	SendErr    error
	ReceiveErr error
	Held       time.Duration
}

// Success reports whether the assertion was sent and acknowledged.
func (o *Outcome) Success() bool {
	return o != nil && o.SendErr == nil && o.ReceiveErr == nil && o.Response != nil
}

// Runner performs assertion runs. Diagnostics for failed stages are
// written to the output writer, one line each.
type Runner struct {
	connector Connector
	sleeper   Sleeper
	logger    *zap.Logger
	recorder  Recorder
	out       io.Writer
}

// Option configures a Runner.
type Option func(*Runner)

// WithSleeper replaces time.Sleep for the hold.
func WithSleeper(s Sleeper) Option {
	return func(r *Runner) { r.sleeper = s }
}

// WithRecorder records metrics for every run.
func WithRecorder(rec Recorder) Option {
	return func(r *Runner) { r.recorder = rec }
}

// WithOutput sets where stage diagnostics are printed.
func WithOutput(w io.Writer) Option {
	return func(r *Runner) { r.out = w }
}

// New creates a Runner.
func New(connector Connector, logger *zap.Logger, opts ...Option) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Runner{
		connector: connector,
		sleeper:   realSleeper{},
		logger:    logger,
		out:       io.Discard,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Run resolves the device, starts the assertion agent, sends the request,
// waits for the acknowledgement and holds the assertion.
//
// Once a client is connected the hold always runs, whatever happened to
// the send or receive, and every acquired resource is released before Run
// returns. The Outcome is nil if Run failed before a client connected.
// The error is nil only if the request was sent and acknowledged.
func (r *Runner) Run(ctx context.Context, cfg Config) (*Outcome, error) {
	if !cfg.Type.Valid() {
		return nil, fmt.Errorf("assertion: unknown assertion type %q", cfg.Type)
	}
	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("assertion: timeout must be positive, got %s", cfg.Timeout)
	}

	dev, err := r.connector.Connect(ctx, cfg.Target)
	if err != nil {
		if cfg.Target.UDID != "" {
			r.printf("No device found with udid %s.\n", cfg.Target.UDID)
		} else {
			r.printf("No device found.\n")
		}
		return nil, &StageError{Stage: StageResolve, Err: err}
	}
	defer func() {
		if err := dev.Close(); err != nil {
			r.logger.Debug("releasing device failed", zap.Error(err))
		}
	}()
	log := r.logger.With(zap.String("udid", dev.UDID()))

	if err := dev.Handshake(ctx, Label); err != nil {
		r.printf("ERROR: Could not connect to lockdownd: %v\n", err)
		var lerr *lockdown.Error
		if errors.As(err, &lerr) && lerr.IsPasswordProtected() {
			r.printf("ERROR: Device is locked, unlock it and try again.\n")
		}
		return nil, &StageError{Stage: StageHandshake, Err: err}
	}
	desc, err := dev.StartService(ctx, power.ServiceName)
	if err != nil {
		r.printf("ERROR: Could not start power agent service: %v\n", err)
		return nil, &StageError{Stage: StageStartService, Err: err}
	}
	log.Debug("assertion agent started", zap.Uint16("port", desc.Port), zap.Bool("ssl", desc.SSL))

	client, err := r.connect(ctx, dev, desc, log)
	if err != nil {
		r.printf("ERROR: Could not connect to power!\n")
		return nil, &StageError{Stage: StageConnect, Err: err}
	}
	defer func() {
		if err := client.Free(); err != nil {
			log.Debug("freeing power client failed", zap.Error(err))
		}
	}()

	out, err := r.exchange(client, cfg, log)

	out.Held = HoldDuration(cfg.Timeout)
	log.Info("holding power assertion",
		zap.String("type", string(cfg.Type)),
		zap.Duration("hold", out.Held),
	)
	r.sleeper.Sleep(out.Held)
	if r.recorder != nil {
		r.recorder.RecordHold(out.Held)
	}
	return out, err
}

func (r *Runner) connect(ctx context.Context, dev Device, desc lockdown.ServiceDescriptor, log *zap.Logger) (*power.Client, error) {
	session, err := dev.OpenService(ctx, desc)
	if err != nil {
		return nil, err
	}
	opts := []power.Option{power.WithLogger(log)}
	if r.recorder != nil {
		opts = append(opts, power.WithObserver(r.recorder))
	}
	client, err := power.New(session, opts...)
	if err != nil {
		_ = session.Close()
		return nil, err
	}
	return client, nil
}

// exchange sends the request and waits for the acknowledgement. A failed
// send skips the receive.
func (r *Runner) exchange(client *power.Client, cfg Config, log *zap.Logger) (*Outcome, error) {
	out := &Outcome{Request: NewRequest(cfg.Type, cfg.Timeout)}

	var err error
	if out.SendErr = client.Send(out.Request); out.SendErr != nil {
		r.printf("ERROR: Could not send power assertion: %d\n", int(power.CodeOf(out.SendErr)))
		err = &StageError{Stage: StageSend, Err: out.SendErr}
	} else if out.Response, out.ReceiveErr = client.Receive(); out.ReceiveErr != nil {
		r.printf("ERROR: Could not receive power assertion: %d\n", int(power.CodeOf(out.ReceiveErr)))
		err = &StageError{Stage: StageReceive, Err: out.ReceiveErr}
	} else {
		log.Debug("power assertion acknowledged", zap.Any("response", out.Response))
	}

	if r.recorder != nil {
		r.recorder.RecordAssertion(cfg.Type, err == nil)
	}
	return out, err
}

func (r *Runner) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(r.out, format, args...)
}
