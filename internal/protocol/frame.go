// Package protocol defines the wire format spoken between a camera and its
// viewers.
//
// Every message is a frame: one channel byte, an optional auxiliary byte
// (the command for CONTROL frames, the status for camera AUTHENTICATION
// replies), then a big-endian int32 length and that many payload bytes.
// The length is omitted only for an AUTHENTICATION frame with an empty
// payload, which is how the camera sends its status-only replies.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
)

// MaxPayload is the largest payload a frame may carry.
const MaxPayload = 65536

var (
	// ErrFrameCorrupted is returned for an invalid length, an unknown
	// channel or a malformed payload.
	ErrFrameCorrupted = errors.New("frame corrupted")
	// ErrConnectionClosed is returned when the peer closes the stream,
	// whether between frames or in the middle of one.
	ErrConnectionClosed = errors.New("connection closed")
)

// Origin tells ReadFrame which peer produced the stream. The two directions
// differ only in how AUTHENTICATION frames are laid out.
type Origin int

const (
	// FromViewer frames carry AUTHENTICATION payloads (user name, shadow).
	FromViewer Origin = iota
	// FromCamera frames carry AUTHENTICATION status bytes.
	FromCamera
)

// Frame is one decoded protocol message.
type Frame struct {
	Channel ChannelID
	Aux     byte
	HasAux  bool
	Payload []byte
}

// Command returns the command of a CONTROL frame.
func (f Frame) Command() Command {
	return CommandByID(int(f.Aux))
}

// Status returns the status of a camera AUTHENTICATION reply.
func (f Frame) Status() AuthStatus {
	return AuthStatus(f.Aux)
}

// AuthRequest builds a viewer AUTHENTICATION frame.
func AuthRequest(payload []byte) Frame {
	return Frame{Channel: ChannelAuthentication, Payload: payload}
}

// AuthReply builds the camera's status-only AUTHENTICATION frame.
func AuthReply(status AuthStatus) Frame {
	return Frame{Channel: ChannelAuthentication, Aux: byte(status), HasAux: true}
}

// Control builds a CONTROL frame for cmd.
func Control(cmd Command, payload []byte) Frame {
	return Frame{Channel: ChannelControl, Aux: cmd.Byte(), HasAux: true, Payload: payload}
}

// Media builds a MEDIA frame.
func Media(payload []byte) Frame {
	return Frame{Channel: ChannelMedia, Payload: payload}
}

func (f Frame) omitsLength() bool {
	return f.Channel == ChannelAuthentication && len(f.Payload) == 0
}

// AppendFrame appends the encoding of f to dst.
func AppendFrame(dst []byte, f Frame) ([]byte, error) {
	switch f.Channel {
	case ChannelAuthentication, ChannelMedia:
	case ChannelControl:
		if !f.HasAux {
			return dst, fmt.Errorf("%w: control frame without command", ErrFrameCorrupted)
		}
	default:
		return dst, fmt.Errorf("%w: cannot encode channel %s", ErrFrameCorrupted, f.Channel)
	}
	if len(f.Payload) > MaxPayload {
		return dst, fmt.Errorf("%w: payload length %d exceeds %d", ErrFrameCorrupted, len(f.Payload), MaxPayload)
	}

	dst = append(dst, byte(f.Channel))
	if f.HasAux {
		dst = append(dst, f.Aux)
	}
	if f.omitsLength() {
		return dst, nil
	}
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(f.Payload)))
	return append(dst, f.Payload...), nil
}

// WriteFrame encodes f and writes it to w in a single Write call.
func WriteFrame(w io.Writer, f Frame) error {
	buf, err := AppendFrame(make([]byte, 0, 6+len(f.Payload)), f)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// ReadFrame reads the next frame from r. Any PADDING bytes in front of the
// channel byte are skipped.
func ReadFrame(r io.Reader, from Origin) (Frame, error) {
	var hdr [4]byte

	var ch ChannelID
	for {
		if _, err := io.ReadFull(r, hdr[:1]); err != nil {
			return Frame{}, readErr(err)
		}
		ch = ChannelByID(int(hdr[0]))
		if ch != ChannelPadding {
			break
		}
	}

	f := Frame{Channel: ch}
	switch ch {
	case ChannelControl:
		if _, err := io.ReadFull(r, hdr[:1]); err != nil {
			return Frame{}, readErr(err)
		}
		f.Aux, f.HasAux = hdr[0], true
	case ChannelAuthentication:
		if from == FromCamera {
			if _, err := io.ReadFull(r, hdr[:1]); err != nil {
				return Frame{}, readErr(err)
			}
			f.Aux, f.HasAux = hdr[0], true
			return f, nil
		}
	case ChannelMedia:
	default:
		return Frame{}, fmt.Errorf("%w: unknown channel id %d", ErrFrameCorrupted, hdr[0])
	}

	payload, err := readPayload(r, hdr[:])
	if err != nil {
		return Frame{}, err
	}
	f.Payload = payload
	return f, nil
}

func readPayload(r io.Reader, lenBuf []byte) ([]byte, error) {
	if _, err := io.ReadFull(r, lenBuf[:4]); err != nil {
		return nil, readErr(err)
	}
	n := int32(binary.BigEndian.Uint32(lenBuf[:4]))
	if n < 0 || n > MaxPayload {
		return nil, fmt.Errorf("%w: invalid payload length %d", ErrFrameCorrupted, n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, readErr(err)
	}
	return payload, nil
}

func readErr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("%w: %w", ErrConnectionClosed, err)
	}
	return fmt.Errorf("read frame: %w", err)
}
