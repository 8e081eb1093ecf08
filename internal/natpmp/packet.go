// Package natpmp implements a NAT-PMP client: the fixed-layout UDP
// protocol a host uses to learn its gateway's public address and to
// request port forwarding.
package natpmp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
)

// Port is the gateway's NAT-PMP server port.
const Port = 5351

const (
	version      = 0
	responseFlag = 0x80
)

// Op is a NAT-PMP operation code.
type Op byte

const (
	OpExternalAddress Op = 0
	OpMapUDP          Op = 1
	OpMapTCP          Op = 2
)

func (op Op) String() string {
	switch op {
	case OpExternalAddress:
		return "external_address"
	case OpMapUDP:
		return "map_udp"
	case OpMapTCP:
		return "map_tcp"
	default:
		return fmt.Sprintf("op(%d)", byte(op))
	}
}

// responseLen returns the exact response size for op.
func responseLen(op Op) (int, bool) {
	switch op {
	case OpExternalAddress:
		return 12, true
	case OpMapUDP, OpMapTCP:
		return 16, true
	default:
		return 0, false
	}
}

// ResultCode is the status a gateway returns for a request.
type ResultCode uint16

const (
	ResultSuccess            ResultCode = 0
	ResultUnsupportedVersion ResultCode = 1
	ResultNotAuthorized      ResultCode = 2
	ResultNetworkFailure     ResultCode = 3
	ResultOutOfResources     ResultCode = 4
	ResultUnsupportedOpcode  ResultCode = 5
)

func (c ResultCode) String() string {
	switch c {
	case ResultSuccess:
		return "success"
	case ResultUnsupportedVersion:
		return "unsupported version"
	case ResultNotAuthorized:
		return "not authorized"
	case ResultNetworkFailure:
		return "network failure"
	case ResultOutOfResources:
		return "out of resources"
	case ResultUnsupportedOpcode:
		return "unsupported opcode"
	default:
		return fmt.Sprintf("result(%d)", uint16(c))
	}
}

var (
	// ErrUnknownOperation is returned for a response whose opcode is not a
	// known response opcode.
	ErrUnknownOperation = errors.New("natpmp: unknown operation")
	// ErrUnsupportedVersion is returned for a response with a version
	// other than 0.
	ErrUnsupportedVersion = errors.New("natpmp: unsupported version")
)

// InvalidDataLengthError reports a response whose size does not match its
// opcode.
type InvalidDataLengthError struct {
	Op       Op
	Expected int
	Actual   int
}

func (e *InvalidDataLengthError) Error() string {
	return fmt.Sprintf("natpmp: %s response is %d bytes, want %d", e.Op, e.Actual, e.Expected)
}

// ResultError is returned when the gateway answers with a non-success
// result code.
type ResultError struct {
	Op   Op
	Code ResultCode
}

func (e *ResultError) Error() string {
	return fmt.Sprintf("natpmp: %s failed: %s", e.Op, e.Code)
}

// ExternalAddressRequest returns the 2 byte external address query.
func ExternalAddressRequest() []byte {
	return []byte{version, byte(OpExternalAddress)}
}

// MapRequest asks the gateway to forward ExternalPort to InternalPort.
// A zero Lifetime deletes the mapping.
type MapRequest struct {
	Op           Op
	InternalPort uint16
	ExternalPort uint16
	Lifetime     uint32
}

// MarshalBinary encodes the 12 byte request.
func (r MapRequest) MarshalBinary() ([]byte, error) {
	if r.Op != OpMapUDP && r.Op != OpMapTCP {
		return nil, fmt.Errorf("%w: %s is not a mapping operation", ErrUnknownOperation, r.Op)
	}
	buf := make([]byte, 12)
	buf[0] = version
	buf[1] = byte(r.Op)
	// buf[2:4] reserved
	binary.BigEndian.PutUint16(buf[4:], r.InternalPort)
	binary.BigEndian.PutUint16(buf[6:], r.ExternalPort)
	binary.BigEndian.PutUint32(buf[8:], r.Lifetime)
	return buf, nil
}

// Response is a decoded gateway response.
type Response interface {
	Opcode() Op
	Result() ResultCode
}

// Header is the part common to all responses.
type Header struct {
	Op         Op
	ResultCode ResultCode
	// Epoch is the gateway's seconds since its mapping table was reset.
	Epoch uint32
}

func (h Header) Opcode() Op         { return h.Op }
func (h Header) Result() ResultCode { return h.ResultCode }

// ExternalAddressResponse carries the gateway's public IPv4 address.
type ExternalAddressResponse struct {
	Header
	Address netip.Addr
}

// MapResponse describes the mapping the gateway granted.
type MapResponse struct {
	Header
	InternalPort uint16
	ExternalPort uint16
	Lifetime     uint32
}

// DecodeResponse validates data against its opcode and decodes it into an
// ExternalAddressResponse or a MapResponse.
func DecodeResponse(data []byte) (Response, error) {
	if len(data) < 2 {
		return nil, &InvalidDataLengthError{Expected: 12, Actual: len(data)}
	}
	if data[0] != version {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, data[0])
	}
	if data[1]&responseFlag == 0 {
		return nil, fmt.Errorf("%w: opcode %d is not a response", ErrUnknownOperation, data[1])
	}
	op := Op(data[1] &^ responseFlag)
	want, ok := responseLen(op)
	if !ok {
		return nil, fmt.Errorf("%w: opcode %d", ErrUnknownOperation, data[1])
	}
	if len(data) != want {
		return nil, &InvalidDataLengthError{Op: op, Expected: want, Actual: len(data)}
	}

	hdr := Header{
		Op:         op,
		ResultCode: ResultCode(binary.BigEndian.Uint16(data[2:])),
		Epoch:      binary.BigEndian.Uint32(data[4:]),
	}
	if op == OpExternalAddress {
		return ExternalAddressResponse{
			Header:  hdr,
			Address: netip.AddrFrom4([4]byte(data[8:12])),
		}, nil
	}
	return MapResponse{
		Header:       hdr,
		InternalPort: binary.BigEndian.Uint16(data[8:]),
		ExternalPort: binary.BigEndian.Uint16(data[10:]),
		Lifetime:     binary.BigEndian.Uint32(data[12:]),
	}, nil
}
