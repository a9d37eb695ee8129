package usbmux

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"

	"howett.net/plist"
)

const (
	headerSize       = 16
	protocolPlist    = 1
	messagePlist     = 8
	maxPacketSize    = 1 << 20
	libUSBMuxVersion = 3
)

// Result numbers sent in "Result" messages.
const (
	resultOK          = 0
	resultBadCommand  = 1
	resultBadDevice   = 2
	resultConnRefused = 3
	resultBadVersion  = 6
)

var (
	ErrBadCommand  = errors.New("usbmux: bad command")
	ErrBadDevice   = errors.New("usbmux: bad device")
	ErrConnRefused = errors.New("usbmux: connection refused")
	ErrBadVersion  = errors.New("usbmux: bad protocol version")
	ErrProtocol    = errors.New("usbmux: protocol error")
)

func resultError(n uint64) error {
	switch n {
	case resultOK:
		return nil
	case resultBadCommand:
		return ErrBadCommand
	case resultBadDevice:
		return ErrBadDevice
	case resultConnRefused:
		return ErrConnRefused
	case resultBadVersion:
		return ErrBadVersion
	default:
		return fmt.Errorf("%w: result %d", ErrProtocol, n)
	}
}

type request struct {
	MessageType         string `plist:"MessageType"`
	ClientVersionString string `plist:"ClientVersionString"`
	ProgName            string `plist:"ProgName"`
	LibUSBMuxVersion    uint64 `plist:"kLibUSBMuxVersion"`
	DeviceID            uint64 `plist:"DeviceID,omitempty"`
	PortNumber          uint64 `plist:"PortNumber,omitempty"`
	PairRecordID        string `plist:"PairRecordID,omitempty"`
}

type response struct {
	MessageType    string        `plist:"MessageType"`
	Number         uint64        `plist:"Number"`
	DeviceList     []deviceEntry `plist:"DeviceList"`
	PairRecordData []byte        `plist:"PairRecordData"`
	BUID           string        `plist:"BUID"`
}

type deviceEntry struct {
	DeviceID   uint64           `plist:"DeviceID"`
	Properties deviceProperties `plist:"Properties"`
}

type deviceProperties struct {
	ConnectionType string `plist:"ConnectionType"`
	DeviceID       uint64 `plist:"DeviceID"`
	SerialNumber   string `plist:"SerialNumber"`
	ProductID      uint64 `plist:"ProductID"`
}

// writePacket frames msg as an XML plist packet.
func writePacket(w io.Writer, tag uint32, msg any) error {
	payload, err := plist.Marshal(msg, plist.XMLFormat)
	if err != nil {
		return fmt.Errorf("encode usbmux packet: %w", err)
	}
	buf := make([]byte, headerSize+len(payload))
	binary.LittleEndian.PutUint32(buf[0:], uint32(len(buf)))
	binary.LittleEndian.PutUint32(buf[4:], protocolPlist)
	binary.LittleEndian.PutUint32(buf[8:], messagePlist)
	binary.LittleEndian.PutUint32(buf[12:], tag)
	copy(buf[headerSize:], payload)
	_, err = w.Write(buf)
	return err
}

// readPacket reads one packet and decodes its payload into v.
func readPacket(r io.Reader, v any) (uint32, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, err
	}
	length := binary.LittleEndian.Uint32(hdr[0:])
	version := binary.LittleEndian.Uint32(hdr[4:])
	message := binary.LittleEndian.Uint32(hdr[8:])
	tag := binary.LittleEndian.Uint32(hdr[12:])

	if length < headerSize || length > maxPacketSize {
		return tag, fmt.Errorf("%w: packet length %d", ErrProtocol, length)
	}
	if version != protocolPlist || message != messagePlist {
		return tag, fmt.Errorf("%w: unexpected packet version %d type %d", ErrProtocol, version, message)
	}

	payload := make([]byte, length-headerSize)
	if _, err := io.ReadFull(r, payload); err != nil {
		return tag, err
	}
	if _, err := plist.Unmarshal(payload, v); err != nil {
		return tag, fmt.Errorf("%w: decode payload: %v", ErrProtocol, err)
	}
	return tag, nil
}

// networkPort converts a port to the byte order usbmuxd expects.
func networkPort(port uint16) uint64 {
	return uint64(port>>8 | port<<8)
}

func splitAddress(addr string) (network, address string) {
	switch {
	case strings.HasPrefix(addr, "UNIX:"):
		return "unix", strings.TrimPrefix(addr, "UNIX:")
	case strings.HasPrefix(addr, "/"):
		return "unix", addr
	default:
		return "tcp", addr
	}
}
