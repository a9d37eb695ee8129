// Package usbmux talks to the usbmuxd daemon, which multiplexes TCP-like
// connections to devices attached over USB or reachable on the network.
package usbmux

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"go.uber.org/zap"
	"howett.net/plist"
)

const (
	// DefaultSocketPath is where usbmuxd listens on Linux and macOS.
	DefaultSocketPath = "/var/run/usbmuxd"
	// EnvSocketAddress overrides the daemon address: "host:port" for TCP,
	// "UNIX:/path" for a unix socket.
	EnvSocketAddress = "USBMUXD_SOCKET_ADDRESS"

	defaultRequestTimeout = 10 * time.Second
)

// ConnectionType tells how usbmuxd reaches a device.
type ConnectionType string

const (
	ConnectionUSB     ConnectionType = "USB"
	ConnectionNetwork ConnectionType = "Network"
)

// Device is one entry of the daemon's device list.
type Device struct {
	DeviceID       uint64
	UDID           string
	ConnectionType ConnectionType
	ProductID      uint64
}

// PairRecord holds the host/device pairing material stored by usbmuxd.
type PairRecord struct {
	DeviceCertificate []byte `plist:"DeviceCertificate"`
	HostCertificate   []byte `plist:"HostCertificate"`
	HostPrivateKey    []byte `plist:"HostPrivateKey"`
	RootCertificate   []byte `plist:"RootCertificate"`
	RootPrivateKey    []byte `plist:"RootPrivateKey"`
	HostID            string `plist:"HostID"`
	SystemBUID        string `plist:"SystemBUID"`
	WiFiMACAddress    string `plist:"WiFiMACAddress"`
}

// SocketAddress returns the daemon address from the environment, or
// DefaultSocketPath.
func SocketAddress() string {
	if addr := os.Getenv(EnvSocketAddress); addr != "" {
		return addr
	}
	return DefaultSocketPath
}

// Client issues requests to usbmuxd. Each request uses its own connection.
type Client struct {
	addr     string
	progName string
	logger   *zap.Logger
	dialer   net.Dialer
}

// NewClient creates a Client for the daemon at addr. An empty addr means
// SocketAddress().
func NewClient(addr, progName string, logger *zap.Logger) *Client {
	if addr == "" {
		addr = SocketAddress()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{addr: addr, progName: progName, logger: logger}
}

// Devices lists every device the daemon currently knows about.
func (c *Client) Devices(ctx context.Context) ([]Device, error) {
	var resp response
	conn, err := c.exchange(ctx, c.newRequest("ListDevices"), &resp)
	if err != nil {
		return nil, err
	}
	_ = conn.Close()

	if resp.MessageType == "Result" {
		if err := resultError(resp.Number); err != nil {
			return nil, fmt.Errorf("list devices: %w", err)
		}
	}

	devices := make([]Device, 0, len(resp.DeviceList))
	for _, e := range resp.DeviceList {
		devices = append(devices, Device{
			DeviceID:       e.DeviceID,
			UDID:           e.Properties.SerialNumber,
			ConnectionType: ConnectionType(e.Properties.ConnectionType),
			ProductID:      e.Properties.ProductID,
		})
	}
	c.logger.Debug("usbmux device list", zap.Int("count", len(devices)))
	return devices, nil
}

// PairRecord reads the pair record stored for udid.
func (c *Client) PairRecord(ctx context.Context, udid string) (*PairRecord, error) {
	req := c.newRequest("ReadPairRecord")
	req.PairRecordID = udid

	var resp response
	conn, err := c.exchange(ctx, req, &resp)
	if err != nil {
		return nil, err
	}
	_ = conn.Close()

	if resp.MessageType == "Result" || len(resp.PairRecordData) == 0 {
		if err := resultError(resp.Number); err != nil {
			return nil, fmt.Errorf("read pair record %s: %w", udid, err)
		}
		return nil, fmt.Errorf("read pair record %s: %w: empty record", udid, ErrProtocol)
	}

	var record PairRecord
	if _, err := plist.Unmarshal(resp.PairRecordData, &record); err != nil {
		return nil, fmt.Errorf("decode pair record %s: %w", udid, err)
	}
	return &record, nil
}

// BUID reads the host's system BUID.
func (c *Client) BUID(ctx context.Context) (string, error) {
	var resp response
	conn, err := c.exchange(ctx, c.newRequest("ReadBUID"), &resp)
	if err != nil {
		return "", err
	}
	_ = conn.Close()

	if resp.BUID == "" {
		if err := resultError(resp.Number); err != nil {
			return "", fmt.Errorf("read BUID: %w", err)
		}
		return "", fmt.Errorf("read BUID: %w: empty BUID", ErrProtocol)
	}
	return resp.BUID, nil
}

// Connect opens a connection to port on the device. On success the
// returned conn carries raw traffic to and from the device port.
func (c *Client) Connect(ctx context.Context, deviceID uint64, port uint16) (net.Conn, error) {
	req := c.newRequest("Connect")
	req.DeviceID = deviceID
	req.PortNumber = networkPort(port)

	var resp response
	conn, err := c.exchange(ctx, req, &resp)
	if err != nil {
		return nil, err
	}
	if err := resultError(resp.Number); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("connect device %d port %d: %w", deviceID, port, err)
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		_ = conn.Close()
		return nil, err
	}
	c.logger.Debug("usbmux connected", zap.Uint64("device_id", deviceID), zap.Uint16("port", port))
	return conn, nil
}

func (c *Client) newRequest(messageType string) request {
	return request{
		MessageType:         messageType,
		ClientVersionString: c.progName,
		ProgName:            c.progName,
		LibUSBMuxVersion:    libUSBMuxVersion,
	}
}

// exchange dials the daemon, sends req and decodes one reply into resp.
// The caller owns the returned connection.
func (c *Client) exchange(ctx context.Context, req request, resp *response) (net.Conn, error) {
	network, address := splitAddress(c.addr)
	conn, err := c.dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("dial usbmuxd at %s: %w", c.addr, err)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultRequestTimeout)
	}
	if err := conn.SetDeadline(deadline); err != nil {
		_ = conn.Close()
		return nil, err
	}

	const tag = 1
	if err := writePacket(conn, tag, req); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("usbmux %s: %w", req.MessageType, err)
	}
	if _, err := readPacket(conn, resp); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("usbmux %s: %w", req.MessageType, err)
	}
	return conn, nil
}
