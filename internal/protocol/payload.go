package protocol

import (
	"encoding/binary"
	"fmt"
	"time"
	"unicode/utf8"
)

// Availability is the AVAILABILITY command payload.
type Availability struct {
	DeviceID  string
	Available bool
}

// MarshalBinary encodes a as i32 id length, id bytes, u8 status.
func (a Availability) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, 5+len(a.DeviceID))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(a.DeviceID)))
	buf = append(buf, a.DeviceID...)
	if a.Available {
		return append(buf, 1), nil
	}
	return append(buf, 0), nil
}

// UnmarshalBinary decodes an AVAILABILITY payload.
func (a *Availability) UnmarshalBinary(data []byte) error {
	if len(data) < 5 {
		return fmt.Errorf("%w: availability payload too short", ErrFrameCorrupted)
	}
	n := int32(binary.BigEndian.Uint32(data))
	if n < 0 || int(n) != len(data)-5 {
		return fmt.Errorf("%w: availability id length %d", ErrFrameCorrupted, n)
	}
	id := data[4 : 4+n]
	if !utf8.Valid(id) {
		return fmt.Errorf("%w: availability id is not UTF-8", ErrFrameCorrupted)
	}
	switch data[4+n] {
	case 0:
		a.Available = false
	case 1:
		a.Available = true
	default:
		return fmt.Errorf("%w: availability status %d", ErrFrameCorrupted, data[4+n])
	}
	a.DeviceID = string(id)
	return nil
}

// EncodeFormat encodes codec configuration blobs as consecutive
// (i32 length, bytes) records.
func EncodeFormat(records [][]byte) []byte {
	size := 0
	for _, r := range records {
		size += 4 + len(r)
	}
	buf := make([]byte, 0, size)
	for _, r := range records {
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(r)))
		buf = append(buf, r...)
	}
	return buf
}

// DecodeFormat splits a FORMAT payload into its records.
func DecodeFormat(data []byte) ([][]byte, error) {
	var records [][]byte
	for len(data) > 0 {
		if len(data) < 4 {
			return nil, fmt.Errorf("%w: truncated format record header", ErrFrameCorrupted)
		}
		n := int32(binary.BigEndian.Uint32(data))
		data = data[4:]
		if n < 0 || int(n) > len(data) {
			return nil, fmt.Errorf("%w: format record length %d", ErrFrameCorrupted, n)
		}
		records = append(records, data[:n:n])
		data = data[n:]
	}
	return records, nil
}

// MediaPayload is the MEDIA frame payload: an encoded media chunk and its
// presentation time.
type MediaPayload struct {
	Timestamp time.Time
	Data      []byte
}

// MarshalBinary encodes p as i64 milliseconds since the Unix epoch followed
// by the data.
func (p MediaPayload) MarshalBinary() ([]byte, error) {
	if len(p.Data)+8 > MaxPayload {
		return nil, fmt.Errorf("%w: media chunk of %d bytes exceeds frame", ErrFrameCorrupted, len(p.Data))
	}
	buf := make([]byte, 8, 8+len(p.Data))
	binary.BigEndian.PutUint64(buf, uint64(p.Timestamp.UnixMilli()))
	return append(buf, p.Data...), nil
}

// UnmarshalBinary decodes a MEDIA payload. Data aliases the input.
func (p *MediaPayload) UnmarshalBinary(data []byte) error {
	if len(data) < 8 {
		return fmt.Errorf("%w: media payload too short", ErrFrameCorrupted)
	}
	p.Timestamp = time.UnixMilli(int64(binary.BigEndian.Uint64(data)))
	p.Data = data[8:]
	return nil
}

// Flashlight is the torch state reported with FLASHLIGHT commands.
type Flashlight int8

const (
	FlashlightUnknown     Flashlight = -2
	FlashlightUnavailable Flashlight = -1
	FlashlightOff         Flashlight = 0
	FlashlightOn          Flashlight = 1
)

// FlashlightByMode maps a mode value to a Flashlight, defaulting to
// FlashlightUnknown.
func FlashlightByMode(mode int) Flashlight {
	switch mode {
	case -1:
		return FlashlightUnavailable
	case 0:
		return FlashlightOff
	case 1:
		return FlashlightOn
	default:
		return FlashlightUnknown
	}
}

// Payload returns the one-byte FLASHLIGHT payload.
func (f Flashlight) Payload() []byte {
	return []byte{byte(f)}
}

// ParseFlashlight decodes a FLASHLIGHT payload. An empty payload is a
// toggle request and yields FlashlightUnknown.
func ParseFlashlight(payload []byte) Flashlight {
	if len(payload) == 0 {
		return FlashlightUnknown
	}
	return FlashlightByMode(int(int8(payload[0])))
}

func (f Flashlight) String() string {
	switch f {
	case FlashlightOff:
		return "off"
	case FlashlightOn:
		return "on"
	case FlashlightUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}
