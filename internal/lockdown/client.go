// Package lockdown implements the subset of the lockdownd protocol needed
// to start a device service and to read or write device values.
package lockdown

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/idevicepower/internal/usbmux"
	"github.com/jmerrifield20/idevicepower/pkg/plistservice"
)

// Port is the lockdownd port on every device.
const Port = 62078

// ServiceType is the value QueryType returns for a genuine lockdownd.
const ServiceType = "com.apple.mobile.lockdown"

const defaultTimeout = 10 * time.Second

var (
	ErrUnexpectedType     = errors.New("lockdown: unexpected service type")
	ErrUnexpectedResponse = errors.New("lockdown: unexpected response")
	ErrNoSession          = errors.New("lockdown: no active session")
	ErrInvalidPort        = errors.New("lockdown: service port is 0")
)

// Error is an error reported by lockdownd in a response's Error field.
type Error struct {
	Request string
	Code    string // e.g. "InvalidService", "PasswordProtected"
}

func (e *Error) Error() string {
	return fmt.Sprintf("lockdown: %s: %s", e.Request, e.Code)
}

// IsPasswordProtected reports whether the device must be unlocked first.
func (e *Error) IsPasswordProtected() bool { return e.Code == "PasswordProtected" }

// IsInvalidService reports whether the requested service does not exist.
func (e *Error) IsInvalidService() bool { return e.Code == "InvalidService" }

// ServiceDescriptor describes a started service.
type ServiceDescriptor struct {
	Name       string
	Port       uint16
	SSL        bool
	Identifier string
}

// Client is a lockdownd connection. It is not safe for concurrent use.
type Client struct {
	session   *plistservice.Session
	label     string
	sessionID string
	timeout   time.Duration
	logger    *zap.Logger
}

// New wraps a session connected to Port. label is sent with every request
// and identifies the host tool in device logs.
func New(session *plistservice.Session, label string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		session: session,
		label:   label,
		timeout: defaultTimeout,
		logger:  logger,
	}
}

// QueryType asks lockdownd to identify itself.
func (c *Client) QueryType() (string, error) {
	resp, err := c.call(map[string]any{"Request": "QueryType"})
	if err != nil {
		return "", err
	}
	typ, _ := resp["Type"].(string)
	return typ, nil
}

// StartSession starts an authenticated session using record, and upgrades
// the connection to TLS when lockdownd asks for it.
func (c *Client) StartSession(record *usbmux.PairRecord) error {
	if record == nil {
		return fmt.Errorf("lockdown: StartSession: pair record is nil")
	}
	resp, err := c.call(map[string]any{
		"Request":    "StartSession",
		"HostID":     record.HostID,
		"SystemBUID": record.SystemBUID,
	})
	if err != nil {
		return err
	}

	if enable, _ := resp["EnableSessionSSL"].(bool); enable {
		cfg, err := TLSConfig(record)
		if err != nil {
			return err
		}
		if err := c.session.EnableSSL(cfg); err != nil {
			return fmt.Errorf("lockdown: enable session ssl: %w", err)
		}
	}
	c.sessionID, _ = resp["SessionID"].(string)
	c.logger.Debug("lockdown session started",
		zap.String("session_id", c.sessionID),
		zap.Bool("ssl", c.session.SSL()),
	)
	return nil
}

// StartService asks lockdownd to start the named service. A session must be
// active.
func (c *Client) StartService(name string) (ServiceDescriptor, error) {
	if c.sessionID == "" {
		return ServiceDescriptor{}, ErrNoSession
	}
	resp, err := c.call(map[string]any{
		"Request": "StartService",
		"Service": name,
	})
	if err != nil {
		return ServiceDescriptor{}, err
	}

	port := toUint64(resp["Port"])
	if port == 0 || port > 0xffff {
		return ServiceDescriptor{}, fmt.Errorf("%w: %s", ErrInvalidPort, name)
	}
	ssl, _ := resp["EnableServiceSSL"].(bool)
	desc := ServiceDescriptor{
		Name: name,
		Port: uint16(port),
		SSL:  ssl,
	}
	desc.Identifier, _ = resp["Service"].(string)
	c.logger.Debug("lockdown service started",
		zap.String("service", name),
		zap.Uint16("port", desc.Port),
		zap.Bool("ssl", desc.SSL),
	)
	return desc, nil
}

// GetValue reads key from domain. An empty domain selects the global
// domain. Most domains require an active session.
func (c *Client) GetValue(domain, key string) (any, error) {
	req := map[string]any{"Request": "GetValue"}
	if domain != "" {
		req["Domain"] = domain
	}
	if key != "" {
		req["Key"] = key
	}
	resp, err := c.call(req)
	if err != nil {
		return nil, err
	}
	v, ok := resp["Value"]
	if !ok {
		return nil, fmt.Errorf("%w: GetValue %s %s: no value", ErrUnexpectedResponse, domain, key)
	}
	return v, nil
}

// SetValue stores value under key in domain.
func (c *Client) SetValue(domain, key string, value any) error {
	if value == nil {
		return fmt.Errorf("lockdown: SetValue %s %s: value is nil", domain, key)
	}
	req := map[string]any{
		"Request": "SetValue",
		"Key":     key,
		"Value":   value,
	}
	if domain != "" {
		req["Domain"] = domain
	}
	_, err := c.call(req)
	return err
}

// StopSession ends the active session, if any.
func (c *Client) StopSession() error {
	if c.sessionID == "" {
		return nil
	}
	_, err := c.call(map[string]any{
		"Request":   "StopSession",
		"SessionID": c.sessionID,
	})
	c.sessionID = ""
	return err
}

// Close stops the session and closes the connection.
func (c *Client) Close() error {
	stopErr := c.StopSession()
	closeErr := c.session.Close()
	if stopErr != nil {
		return stopErr
	}
	return closeErr
}

func (c *Client) call(req map[string]any) (map[string]any, error) {
	name, _ := req["Request"].(string)
	if c.label != "" {
		req["Label"] = c.label
	}
	if err := c.session.Send(req); err != nil {
		return nil, fmt.Errorf("lockdown: send %s: %w", name, err)
	}
	resp, err := c.session.Receive(c.timeout)
	if err != nil {
		return nil, fmt.Errorf("lockdown: receive %s: %w", name, err)
	}
	if resp == nil {
		return nil, fmt.Errorf("%w: %s: connection closed", ErrUnexpectedResponse, name)
	}
	if code, ok := resp["Error"].(string); ok && code != "" {
		return nil, &Error{Request: name, Code: code}
	}
	if got, _ := resp["Request"].(string); got != name {
		return nil, fmt.Errorf("%w: sent %s, got %q", ErrUnexpectedResponse, name, got)
	}
	return resp, nil
}

func toUint64(v any) uint64 {
	switch n := v.(type) {
	case uint64:
		return n
	case int64:
		if n > 0 {
			return uint64(n)
		}
	}
	return 0
}
