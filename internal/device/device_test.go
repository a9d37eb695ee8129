package device

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmerrifield20/idevicepower/internal/lockdown"
	"github.com/jmerrifield20/idevicepower/internal/usbmux"
	"github.com/jmerrifield20/idevicepower/pkg/plistservice"
)

const servicePort = 49152

// fakeMux hands out in-memory connections served by handlers keyed by port.
type fakeMux struct {
	devices    []usbmux.Device
	devicesErr error
	handlers   map[uint16]func(*plistservice.Session)

	mu        sync.Mutex
	connected []uint16
	buidCalls int
	wg        sync.WaitGroup
}

func (m *fakeMux) Devices(context.Context) ([]usbmux.Device, error) {
	return m.devices, m.devicesErr
}

func (m *fakeMux) PairRecord(_ context.Context, udid string) (*usbmux.PairRecord, error) {
	return &usbmux.PairRecord{HostID: "HOST-" + udid}, nil
}

func (m *fakeMux) BUID(context.Context) (string, error) {
	m.mu.Lock()
	m.buidCalls++
	m.mu.Unlock()
	return "BUID", nil
}

func (m *fakeMux) Connect(_ context.Context, _ uint64, port uint16) (net.Conn, error) {
	h, ok := m.handlers[port]
	if !ok {
		return nil, usbmux.ErrConnRefused
	}
	m.mu.Lock()
	m.connected = append(m.connected, port)
	m.mu.Unlock()

	client, server := net.Pipe()
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		s := plistservice.New(server)
		defer s.Close()
		h(s)
	}()
	return client, nil
}

// lockdownd answers requests until the peer goes away.
func lockdownd(queryType string, services map[string]uint16) func(*plistservice.Session) {
	return func(s *plistservice.Session) {
		for {
			req, err := s.Receive(0)
			if err != nil || req == nil {
				return
			}
			name, _ := req["Request"].(string)
			resp := map[string]any{"Request": name}
			switch name {
			case "QueryType":
				resp["Type"] = queryType
			case "StartSession":
				resp["SessionID"] = "S1"
			case "GetValue":
				resp["Value"] = req["Key"] == "EnableWifiConnections"
			case "SetValue":
			case "StartService":
				svc, _ := req["Service"].(string)
				port, ok := services[svc]
				if !ok {
					resp["Error"] = "InvalidService"
					break
				}
				resp["Port"] = uint64(port)
			}
			if err := s.Send(resp); err != nil {
				return
			}
		}
	}
}

func echo(s *plistservice.Session) {
	for {
		req, err := s.Receive(0)
		if err != nil || req == nil {
			return
		}
		if err := s.Send(req); err != nil {
			return
		}
	}
}

func newMux() *fakeMux {
	return &fakeMux{
		devices: []usbmux.Device{
			{DeviceID: 1, UDID: "net-only", ConnectionType: usbmux.ConnectionNetwork},
			{DeviceID: 2, UDID: "both", ConnectionType: usbmux.ConnectionNetwork},
			{DeviceID: 3, UDID: "both", ConnectionType: usbmux.ConnectionUSB},
			{DeviceID: 4, UDID: "usb-only", ConnectionType: usbmux.ConnectionUSB},
		},
		handlers: map[uint16]func(*plistservice.Session){
			lockdown.Port: lockdownd(lockdown.ServiceType, map[string]uint16{"com.example.echo": servicePort}),
			servicePort:   echo,
		},
	}
}

func TestConnector_Resolve(t *testing.T) {
	c := NewConnector(newMux(), nil)
	ctx := context.Background()

	tests := []struct {
		name   string
		target Target
		wantID uint64
		err    string
	}{
		{name: "first usb device", target: Target{}, wantID: 3},
		{name: "first device with network", target: Target{Network: true}, wantID: 3},
		{name: "usb preferred for same udid", target: Target{UDID: "both", Network: true}, wantID: 3},
		{name: "network only hidden", target: Target{UDID: "net-only"}, err: "no device found with udid net-only"},
		{name: "network only with flag", target: Target{UDID: "net-only", Network: true}, wantID: 1},
		{name: "unknown udid", target: Target{UDID: "nope"}, err: "no device found with udid nope"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := c.Resolve(ctx, tt.target)
			if tt.err != "" {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrNoDevice)
				assert.Contains(t, err.Error(), tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantID, d.Info().DeviceID)
		})
	}
}

func TestConnector_ResolveNoDevices(t *testing.T) {
	_, err := NewConnector(&fakeMux{}, nil).Resolve(context.Background(), Target{})
	assert.Equal(t, ErrNoDevice, err)

	_, err = NewConnector(&fakeMux{devicesErr: errors.New("dial unix: no such file")}, nil).
		Resolve(context.Background(), Target{})
	assert.ErrorIs(t, err, ErrNoDevice)
}

func TestDevice_OpenSession(t *testing.T) {
	mux := newMux()
	d, err := NewConnector(mux, nil).Resolve(context.Background(), Target{UDID: "usb-only"})
	require.NoError(t, err)

	s, err := d.OpenSession(context.Background(), "com.example.echo", "idevicepower")
	require.NoError(t, err)

	require.NoError(t, s.Send(map[string]any{"Hello": "world"}))
	got, err := s.Receive(0)
	require.NoError(t, err)
	assert.Equal(t, "world", got["Hello"])

	require.NoError(t, s.Close())
	require.NoError(t, d.Close())
	mux.wg.Wait()
	assert.Equal(t, []uint16{lockdown.Port, servicePort}, mux.connected)
	assert.Equal(t, 1, mux.buidCalls)
}

func TestDevice_OpenSessionErrors(t *testing.T) {
	t.Run("wrong lockdown type", func(t *testing.T) {
		mux := newMux()
		mux.handlers[lockdown.Port] = lockdownd("com.example.other", nil)
		d, err := NewConnector(mux, nil).Resolve(context.Background(), Target{})
		require.NoError(t, err)

		_, err = d.OpenSession(context.Background(), "com.example.echo", "idevicepower")
		assert.ErrorIs(t, err, lockdown.ErrUnexpectedType)
		mux.wg.Wait()
	})

	t.Run("unknown service", func(t *testing.T) {
		mux := newMux()
		d, err := NewConnector(mux, nil).Resolve(context.Background(), Target{})
		require.NoError(t, err)

		_, err = d.OpenSession(context.Background(), "com.example.missing", "idevicepower")
		var lerr *lockdown.Error
		require.True(t, errors.As(err, &lerr), "got %v", err)
		assert.True(t, lerr.IsInvalidService())
		mux.wg.Wait()
	})

	t.Run("lockdown refused", func(t *testing.T) {
		mux := newMux()
		delete(mux.handlers, lockdown.Port)
		d, err := NewConnector(mux, nil).Resolve(context.Background(), Target{})
		require.NoError(t, err)

		_, err = d.OpenSession(context.Background(), "com.example.echo", "idevicepower")
		assert.ErrorIs(t, err, usbmux.ErrConnRefused)
	})

	t.Run("start service before handshake", func(t *testing.T) {
		d, err := NewConnector(newMux(), nil).Resolve(context.Background(), Target{})
		require.NoError(t, err)
		_, err = d.StartService(context.Background(), "com.example.echo")
		assert.ErrorIs(t, err, ErrNotConnected)
	})
}

func TestDevice_Values(t *testing.T) {
	mux := newMux()
	d, err := NewConnector(mux, nil).Resolve(context.Background(), Target{})
	require.NoError(t, err)

	_, err = d.GetValue(context.Background(), "com.example", "EnableWifiConnections")
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, d.SetValue(context.Background(), "com.example", "k", true), ErrNotConnected)

	require.NoError(t, d.Handshake(context.Background(), "idevicewifi"))
	v, err := d.GetValue(context.Background(), "com.example", "EnableWifiConnections")
	require.NoError(t, err)
	assert.Equal(t, true, v)
	assert.NoError(t, d.SetValue(context.Background(), "com.example", "EnableWifiConnections", false))

	require.NoError(t, d.Close())
	mux.wg.Wait()
}
