package assertion

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmerrifield20/idevicepower/internal/device"
	"github.com/jmerrifield20/idevicepower/internal/lockdown"
	"github.com/jmerrifield20/idevicepower/pkg/plistservice"
	"github.com/jmerrifield20/idevicepower/pkg/power"
)

// mockSession implements power.Session
type mockSession struct {
	SendFunc    func(v any) error
	ReceiveFunc func(timeout time.Duration) (map[string]any, error)

	sent       []any
	timeouts   []time.Duration
	closeCalls int
}

func (m *mockSession) Send(v any) error {
	m.sent = append(m.sent, v)
	if m.SendFunc != nil {
		return m.SendFunc(v)
	}
	return nil
}

func (m *mockSession) Receive(timeout time.Duration) (map[string]any, error) {
	m.timeouts = append(m.timeouts, timeout)
	if m.ReceiveFunc != nil {
		return m.ReceiveFunc(timeout)
	}
	return map[string]any{"Status": "Acknowledged"}, nil
}

func (m *mockSession) Close() error {
	m.closeCalls++
	return nil
}

// mockDevice implements Device
type mockDevice struct {
	HandshakeErr    error
	StartServiceErr error
	OpenServiceErr  error
	session         *mockSession

	label      string
	service    string
	closeCalls int
	calls      []string
}

func (m *mockDevice) UDID() string { return "00008030-001A" }

func (m *mockDevice) Handshake(_ context.Context, label string) error {
	m.calls = append(m.calls, "handshake")
	m.label = label
	return m.HandshakeErr
}

func (m *mockDevice) StartService(_ context.Context, name string) (lockdown.ServiceDescriptor, error) {
	m.calls = append(m.calls, "start_service")
	m.service = name
	if m.StartServiceErr != nil {
		return lockdown.ServiceDescriptor{}, m.StartServiceErr
	}
	return lockdown.ServiceDescriptor{Name: name, Port: 49152}, nil
}

func (m *mockDevice) OpenService(context.Context, lockdown.ServiceDescriptor) (power.Session, error) {
	m.calls = append(m.calls, "open_service")
	if m.OpenServiceErr != nil {
		return nil, m.OpenServiceErr
	}
	return m.session, nil
}

func (m *mockDevice) Close() error {
	m.closeCalls++
	return nil
}

type recordingSleeper struct{ slept []time.Duration }

func (s *recordingSleeper) Sleep(d time.Duration) { s.slept = append(s.slept, d) }

type fakeRecorder struct {
	ops        []string
	assertions map[power.AssertionType][]bool
	held       time.Duration
}

func (f *fakeRecorder) ObserveOperation(op string, _ power.ErrorCode, _ time.Duration) {
	f.ops = append(f.ops, op)
}

func (f *fakeRecorder) RecordAssertion(t power.AssertionType, success bool) {
	if f.assertions == nil {
		f.assertions = map[power.AssertionType][]bool{}
	}
	f.assertions[t] = append(f.assertions[t], success)
}

func (f *fakeRecorder) RecordHold(d time.Duration) { f.held += d }

type harness struct {
	dev      *mockDevice
	sleeper  *recordingSleeper
	recorder *fakeRecorder
	out      *bytes.Buffer
	targets  []device.Target
	runner   *Runner
}

func newHarness(resolveErr error) *harness {
	h := &harness{
		dev:      &mockDevice{session: &mockSession{}},
		sleeper:  &recordingSleeper{},
		recorder: &fakeRecorder{},
		out:      &bytes.Buffer{},
	}
	conn := ConnectorFunc(func(_ context.Context, target device.Target) (Device, error) {
		h.targets = append(h.targets, target)
		if resolveErr != nil {
			return nil, resolveErr
		}
		return h.dev, nil
	})
	h.runner = New(conn, nil, WithSleeper(h.sleeper), WithRecorder(h.recorder), WithOutput(h.out))
	return h
}

func TestRun_IdleScenario(t *testing.T) {
	h := newHarness(nil)

	out, err := h.runner.Run(context.Background(), Config{
		Type:    power.AssertionPreventUserIdleSleep,
		Timeout: 30 * time.Second,
	})
	require.NoError(t, err)
	require.True(t, out.Success())

	require.Len(t, h.dev.session.sent, 1)
	req, ok := h.dev.session.sent[0].(power.AssertionRequest)
	require.True(t, ok)
	assert.Equal(t, power.AssertionPreventUserIdleSleep, req.Type)
	assert.Equal(t, uint64(30), req.Timeout)
	assert.Equal(t, "CommandCreateAssertion", req.Command)
	assert.Equal(t, "idevicepower", req.Name)
	assert.Equal(t, "power update", req.Detail)

	assert.Equal(t, []time.Duration{power.DefaultReceiveTimeout}, h.dev.session.timeouts)
	assert.Equal(t, []time.Duration{20 * time.Second}, h.sleeper.slept)
	assert.Equal(t, 20*time.Second, out.Held)

	assert.Equal(t, "idevicepower", h.dev.label)
	assert.Equal(t, power.ServiceName, h.dev.service)
	assert.Equal(t, 1, h.dev.session.closeCalls)
	assert.Equal(t, 1, h.dev.closeCalls)
	assert.Empty(t, h.out.String())

	assert.Equal(t, []bool{true}, h.recorder.assertions[power.AssertionPreventUserIdleSleep])
	assert.Equal(t, []string{"send", "receive", "free"}, h.recorder.ops)
	assert.Equal(t, 20*time.Second, h.recorder.held)
}

func TestRun_ShortTimeoutHoldsFullDuration(t *testing.T) {
	for _, fail := range []bool{false, true} {
		h := newHarness(nil)
		if fail {
			h.dev.session.SendFunc = func(any) error {
				return &plistservice.Error{Code: plistservice.MuxError}
			}
		}

		out, err := h.runner.Run(context.Background(), Config{
			Type:    power.AssertionPreventSystemSleep,
			Timeout: 5 * time.Second,
		})
		assert.Equal(t, fail, err != nil)
		require.NotNil(t, out)
		assert.Equal(t, []time.Duration{5 * time.Second}, h.sleeper.slept)
		assert.Equal(t, 1, h.dev.session.closeCalls)
	}
}

func TestRun_ReceiveTimeoutStillHoldsAndCleansUp(t *testing.T) {
	h := newHarness(nil)
	h.dev.session.ReceiveFunc = func(time.Duration) (map[string]any, error) {
		return nil, &plistservice.Error{Code: plistservice.ReceiveTimeout}
	}

	out, err := h.runner.Run(context.Background(), Config{
		Type:    power.AssertionWirelessSync,
		Timeout: 60 * time.Second,
	})
	require.Error(t, err)
	assert.Equal(t, StageReceive, StageOf(err))
	assert.True(t, power.IsTimeout(err))

	require.NotNil(t, out)
	assert.False(t, out.Success())
	assert.Nil(t, out.Response)
	assert.NoError(t, out.SendErr)
	assert.Equal(t, []time.Duration{50 * time.Second}, h.sleeper.slept)
	assert.Equal(t, 1, h.dev.session.closeCalls)
	assert.Equal(t, 1, h.dev.closeCalls)
	assert.Equal(t, "ERROR: Could not receive power assertion: -6\n", h.out.String())
	assert.Equal(t, []bool{false}, h.recorder.assertions[power.AssertionWirelessSync])
}

func TestRun_SendFailureSkipsReceive(t *testing.T) {
	h := newHarness(nil)
	h.dev.session.SendFunc = func(any) error {
		return &plistservice.Error{Code: plistservice.SSLError}
	}

	out, err := h.runner.Run(context.Background(), Config{
		Type:    power.AssertionWirelessSync,
		Timeout: 12 * time.Second,
	})
	assert.Equal(t, StageSend, StageOf(err))
	assert.Equal(t, power.SslError, power.CodeOf(err))
	assert.Empty(t, h.dev.session.timeouts)
	assert.Equal(t, 2*time.Second, out.Held)
	assert.Equal(t, "ERROR: Could not send power assertion: -4\n", h.out.String())
}

func TestRun_StageFailures(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name       string
		resolveErr error
		udid       string
		setup      func(*mockDevice)
		stage      Stage
		output     string
		devCloses  int
		wantCalls  []string
	}{
		{
			name:       "no device",
			resolveErr: device.ErrNoDevice,
			stage:      StageResolve,
			output:     "No device found.\n",
		},
		{
			name:       "no device with udid",
			resolveErr: device.ErrNoDevice,
			udid:       "abc",
			stage:      StageResolve,
			output:     "No device found with udid abc.\n",
		},
		{
			name:      "handshake",
			setup:     func(d *mockDevice) { d.HandshakeErr = boom },
			stage:     StageHandshake,
			output:    "ERROR: Could not connect to lockdownd: boom\n",
			devCloses: 1,
			wantCalls: []string{"handshake"},
		},
		{
			name:      "handshake on locked device",
			setup:     func(d *mockDevice) { d.HandshakeErr = &lockdown.Error{Request: "StartSession", Code: "PasswordProtected"} },
			stage:     StageHandshake,
			output:    "ERROR: Could not connect to lockdownd: lockdown: StartSession: PasswordProtected\nERROR: Device is locked, unlock it and try again.\n",
			devCloses: 1,
			wantCalls: []string{"handshake"},
		},
		{
			name:      "start service",
			setup:     func(d *mockDevice) { d.StartServiceErr = &lockdown.Error{Request: "StartService", Code: "InvalidService"} },
			stage:     StageStartService,
			output:    "ERROR: Could not start power agent service: lockdown: StartService: InvalidService\n",
			devCloses: 1,
			wantCalls: []string{"handshake", "start_service"},
		},
		{
			name:      "connect",
			setup:     func(d *mockDevice) { d.OpenServiceErr = boom },
			stage:     StageConnect,
			output:    "ERROR: Could not connect to power!\n",
			devCloses: 1,
			wantCalls: []string{"handshake", "start_service", "open_service"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(tt.resolveErr)
			if tt.setup != nil {
				tt.setup(h.dev)
			}

			out, err := h.runner.Run(context.Background(), Config{
				Target:  device.Target{UDID: tt.udid},
				Type:    power.AssertionPreventSystemSleep,
				Timeout: 30 * time.Second,
			})
			require.Error(t, err)
			assert.Nil(t, out)
			assert.Equal(t, tt.stage, StageOf(err))
			assert.Equal(t, tt.output, h.out.String())
			assert.Equal(t, tt.devCloses, h.dev.closeCalls)
			assert.Equal(t, tt.wantCalls, h.dev.calls)
			assert.Empty(t, h.sleeper.slept)
			assert.Empty(t, h.dev.session.sent)
		})
	}
}

func TestRun_InvalidConfig(t *testing.T) {
	h := newHarness(nil)

	_, err := h.runner.Run(context.Background(), Config{Type: "Bogus", Timeout: time.Second})
	assert.Error(t, err)
	_, err = h.runner.Run(context.Background(), Config{Type: power.AssertionWirelessSync})
	assert.Error(t, err)
	assert.Empty(t, h.targets)
}

func TestRun_PassesTarget(t *testing.T) {
	h := newHarness(nil)
	target := device.Target{UDID: "abc", Network: true}
	_, err := h.runner.Run(context.Background(), Config{
		Target:  target,
		Type:    power.AssertionWirelessSync,
		Timeout: time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, []device.Target{target}, h.targets)
}

func TestTypeForCommand(t *testing.T) {
	tests := map[string]power.AssertionType{
		"sync":  power.AssertionWirelessSync,
		"idle":  power.AssertionPreventUserIdleSleep,
		"sleep": power.AssertionPreventSystemSleep,
	}
	for cmd, want := range tests {
		got, err := TypeForCommand(cmd)
		require.NoError(t, err, cmd)
		assert.Equal(t, want, got)
	}

	_, err := TypeForCommand("foo")
	assert.ErrorIs(t, err, ErrUnknownCommand)
	assert.EqualError(t, err, "assertion: unsupported command 'foo'")
}

func TestHoldDuration(t *testing.T) {
	tests := []struct {
		timeout, want time.Duration
	}{
		{60 * time.Second, 50 * time.Second},
		{30 * time.Second, 20 * time.Second},
		{11 * time.Second, time.Second},
		{10 * time.Second, 10 * time.Second},
		{5 * time.Second, 5 * time.Second},
		{time.Second, time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, HoldDuration(tt.timeout), tt.timeout.String())
	}
}
