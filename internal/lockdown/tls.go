package lockdown

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"

	"github.com/jmerrifield20/idevicepower/internal/usbmux"
)

// ErrDeviceCertMismatch is returned from the TLS handshake when the device
// presents a certificate other than the one in its pair record.
var ErrDeviceCertMismatch = errors.New("lockdown: device certificate does not match pair record")

// TLSConfig builds the client-side TLS configuration for lockdown and
// service sessions from a pair record.
//
// Device certificates carry no host name, so chain verification is replaced
// by pinning the certificate stored at pairing time.
func TLSConfig(record *usbmux.PairRecord) (*tls.Config, error) {
	if record == nil {
		return nil, fmt.Errorf("lockdown: pair record is nil")
	}
	cert, err := tls.X509KeyPair(record.HostCertificate, record.HostPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("lockdown: parse host cert/key: %w", err)
	}

	var pinned []byte
	if len(record.DeviceCertificate) > 0 {
		block, _ := pem.Decode(record.DeviceCertificate)
		if block == nil {
			return nil, fmt.Errorf("lockdown: device certificate is not PEM")
		}
		pinned = block.Bytes
	}

	return &tls.Config{
		Certificates:          []tls.Certificate{cert},
		InsecureSkipVerify:    true, //nolint:gosec // verified by VerifyPeerCertificate
		VerifyPeerCertificate: verifyPinnedCert(pinned),
		MinVersion:            tls.VersionTLS10, //nolint:gosec // older devices only offer TLS 1.0
	}, nil
}

// verifyPinnedCert is a tls.Config.VerifyPeerCertificate callback that
// accepts only the pinned DER certificate. A nil pin accepts any parseable
// certificate.
func verifyPinnedCert(pinned []byte) func(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return ErrDeviceCertMismatch
		}
		if _, err := x509.ParseCertificate(rawCerts[0]); err != nil {
			return err
		}
		if pinned != nil && !bytes.Equal(rawCerts[0], pinned) {
			return ErrDeviceCertMismatch
		}
		return nil
	}
}
