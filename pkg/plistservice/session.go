// Package plistservice speaks the length-prefixed property list protocol
// used by device services once a connection to the service port exists.
//
// Each message is a 32-bit big-endian length followed by a property list.
// Messages are sent in binary format; both binary and XML are accepted on
// receive.
package plistservice

import (
	"crypto/tls"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"os"
	"time"

	"howett.net/plist"
)

// MaxMessageSize bounds a single received message.
const MaxMessageSize = 16 << 20

// Session is one connected property list service channel. It is not safe
// for concurrent use.
type Session struct {
	conn   net.Conn
	ssl    bool
	closed bool
}

// New wraps an already-connected service socket.
func New(conn net.Conn) *Session {
	return &Session{conn: conn}
}

// SSL reports whether the session has been upgraded to TLS.
func (s *Session) SSL() bool { return s.ssl }

// Send encodes v as a binary property list and writes it as one message.
func (s *Session) Send(v any) error {
	if v == nil {
		return newError(InvalidArg, errNilMessage)
	}
	if s.closed {
		return newError(MuxError, errClosed)
	}

	payload, err := plist.Marshal(v, plist.BinaryFormat)
	if err != nil {
		return newError(PlistError, err)
	}

	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[4:], payload)

	if _, err := s.conn.Write(buf); err != nil {
		return s.ioError(err)
	}
	return nil
}

// Receive reads one message, waiting at most timeout (0 waits forever).
//
// When the peer closes the connection before any byte of a new message
// arrives, Receive returns a nil document and a nil error.
func (s *Session) Receive(timeout time.Duration) (map[string]any, error) {
	if s.closed {
		return nil, newError(MuxError, errClosed)
	}
	if timeout > 0 {
		if err := s.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, s.ioError(err)
		}
		defer s.conn.SetReadDeadline(time.Time{}) //nolint:errcheck
	}

	var hdr [4]byte
	n, err := io.ReadFull(s.conn, hdr[:])
	if err != nil {
		if n == 0 && errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, s.ioError(err)
	}

	size := binary.BigEndian.Uint32(hdr[:])
	if size == 0 {
		return nil, newError(PlistError, errEmptyMessage)
	}
	if size > MaxMessageSize {
		return nil, newError(PlistError, errMessageTooLong)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(s.conn, payload); err != nil {
		return nil, s.ioError(err)
	}

	return decode(payload)
}

// EnableSSL performs a TLS client handshake on the existing connection.
// All later traffic is encrypted.
func (s *Session) EnableSSL(cfg *tls.Config) error {
	if cfg == nil {
		return newError(InvalidArg, errors.New("tls config is nil"))
	}
	if s.ssl {
		return newError(InvalidArg, errAlreadySecure)
	}
	if s.closed {
		return newError(MuxError, errClosed)
	}

	tc := tls.Client(s.conn, cfg)
	if err := tc.Handshake(); err != nil {
		return newError(SSLError, err)
	}
	s.conn = tc
	s.ssl = true
	return nil
}

// Close closes the connection. Closing twice is a no-op.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.conn.Close(); err != nil {
		return newError(MuxError, err)
	}
	return nil
}

func decode(payload []byte) (map[string]any, error) {
	var doc map[string]any
	if _, err := plist.Unmarshal(payload, &doc); err != nil {
		return nil, newError(PlistError, err)
	}
	return doc, nil
}

// ioError classifies a socket error. A deadline that expires with a partial
// message still counts as a timeout.
func (s *Session) ioError(err error) error {
	var ne net.Error
	switch {
	case errors.Is(err, os.ErrDeadlineExceeded), errors.As(err, &ne) && ne.Timeout():
		return newError(ReceiveTimeout, err)
	case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF):
		return newError(NotEnoughData, err)
	case s.ssl:
		return newError(SSLError, err)
	default:
		return newError(MuxError, err)
	}
}
