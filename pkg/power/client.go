package power

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"go.uber.org/zap"
)

// ServiceName is the lockdown service name of the assertion agent.
const ServiceName = "com.apple.mobile.assertion_agent"

// DefaultReceiveTimeout is used by Receive. The agent acknowledges
// assertions immediately, so a short window is enough.
const DefaultReceiveTimeout = 1000 * time.Millisecond

const (
	opNew     = "new"
	opFree    = "free"
	opSend    = "send"
	opReceive = "receive"
)

// Document is a decoded property list dictionary.
type Document = map[string]any

// Session is the transport a Client talks through. *plistservice.Session
// satisfies it.
type Session interface {
	// Send writes one document.
	Send(v any) error
	// Receive reads one document, waiting at most timeout. A nil document
	// with a nil error means the peer closed the channel cleanly.
	Receive(timeout time.Duration) (map[string]any, error)
	// Close releases the channel.
	Close() error
}

// SessionOpener opens a Session to a named service on a device.
type SessionOpener interface {
	OpenSession(ctx context.Context, service, label string) (Session, error)
}

// Observer is notified after every Client operation.
type Observer interface {
	ObserveOperation(op string, code ErrorCode, elapsed time.Duration)
}

// Client talks to the assertion agent over a Session it exclusively owns.
// A Client is not safe for concurrent use.
type Client struct {
	session  Session
	logger   *zap.Logger
	observer Observer
	freed    bool
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithLogger sets the logger used for protocol tracing. Documents are
// logged at debug level.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) error {
		if logger != nil {
			c.logger = logger
		}
		return nil
	}
}

// WithObserver registers an Observer for operation results and timings.
func WithObserver(o Observer) Option {
	return func(c *Client) error {
		c.observer = o
		return nil
	}
}

// New wraps session in a Client. The Client takes ownership: Free closes
// the session.
func New(session Session, opts ...Option) (*Client, error) {
	if isNil(session) {
		return nil, newError(opNew, InvalidArgument, errNilSession)
	}
	c := &Client{
		session: session,
		logger:  zap.NewNop(),
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, newError(opNew, InvalidArgument, err)
		}
	}
	c.logger.Debug("power client created")
	return c, nil
}

// Start opens the assertion agent through opener and wraps the resulting
// session. Errors from opener are returned wrapped but otherwise
// unchanged; nothing is retried.
func Start(ctx context.Context, opener SessionOpener, label string, opts ...Option) (*Client, error) {
	if isNil(opener) {
		return nil, newError(opNew, InvalidArgument, fmt.Errorf("session opener is nil"))
	}
	session, err := opener.OpenSession(ctx, ServiceName, label)
	if err != nil {
		return nil, fmt.Errorf("power: start %s: %w", ServiceName, err)
	}
	c, err := New(session, opts...)
	if err != nil {
		_ = session.Close()
		return nil, err
	}
	return c, nil
}

// Free closes the owned session and invalidates the Client. A second call
// returns InvalidArgument without closing the session again.
func (c *Client) Free() error {
	if c == nil {
		return newError(opFree, InvalidArgument, errNilClient)
	}
	if c.freed {
		return newError(opFree, InvalidArgument, errFreed)
	}
	c.freed = true

	start := time.Now()
	err := translate(opFree, c.session.Close())
	c.observe(opFree, start, err)
	if err != nil {
		c.logger.Debug("closing session failed", zap.Error(err))
	}
	return err
}

// Send writes doc to the service. Failed sends are not retried.
func (c *Client) Send(doc any) error {
	if err := c.check(opSend); err != nil {
		return err
	}
	if isNil(doc) {
		return newError(opSend, InvalidArgument, errNilDocument)
	}

	start := time.Now()
	err := translate(opSend, c.session.Send(doc))
	c.observe(opSend, start, err)
	if err != nil {
		c.logger.Debug("sending plist failed", zap.Error(err))
		return err
	}
	c.logger.Debug("sent plist", zap.Any("document", doc))
	return nil
}

// Receive reads one document using DefaultReceiveTimeout.
func (c *Client) Receive() (Document, error) {
	return c.ReceiveWithTimeout(DefaultReceiveTimeout)
}

// ReceiveWithTimeout reads one document, waiting at most timeout.
//
// It returns a Timeout error when no complete document arrived in time, a
// PlistError when the payload could not be decoded, and a MuxError when
// the session closed without producing a document. A document is only
// returned together with a nil error.
func (c *Client) ReceiveWithTimeout(timeout time.Duration) (Document, error) {
	if err := c.check(opReceive); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		return nil, newError(opReceive, InvalidArgument, errBadTimeout)
	}

	start := time.Now()
	doc, err := c.session.Receive(timeout)
	if err != nil {
		err = translate(opReceive, err)
	} else if doc == nil {
		err = newError(opReceive, MuxError, errNoDocument)
	}
	c.observe(opReceive, start, err)
	if err != nil {
		c.logger.Debug("could not receive plist", zap.Error(err))
		return nil, err
	}

	c.logger.Debug("received plist", zap.Any("document", doc))
	return doc, nil
}

func (c *Client) check(op string) error {
	if c == nil {
		return newError(op, InvalidArgument, errNilClient)
	}
	if c.freed {
		return newError(op, InvalidArgument, errFreed)
	}
	return nil
}

func (c *Client) observe(op string, start time.Time, err error) {
	if c.observer == nil {
		return
	}
	c.observer.ObserveOperation(op, CodeOf(err), time.Since(start))
}

// isNil reports whether v is nil or a nil pointer, map, slice or func
// stored in an interface.
func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Interface, reflect.Chan:
		return rv.IsNil()
	}
	return false
}
