package protocol

import "fmt"

// ChannelID identifies the logical stream a frame belongs to.
type ChannelID int

const (
	// ChannelUndefined is returned for ids that are not part of the protocol.
	ChannelUndefined ChannelID = -256
	// ChannelEndOfStream is never written. It stands for a closed read side.
	ChannelEndOfStream ChannelID = -1

	ChannelAuthentication ChannelID = 0
	ChannelControl        ChannelID = 1
	ChannelMedia          ChannelID = 2
	// ChannelPadding is the byte value used to pad encrypted output to a
	// cipher block boundary. Readers skip it at frame start.
	ChannelPadding ChannelID = 3
)

// ChannelByID maps a raw id to a ChannelID. Unknown ids map to
// ChannelUndefined.
func ChannelByID(id int) ChannelID {
	switch id {
	case -1:
		return ChannelEndOfStream
	case 0:
		return ChannelAuthentication
	case 1:
		return ChannelControl
	case 2:
		return ChannelMedia
	case 3:
		return ChannelPadding
	default:
		return ChannelUndefined
	}
}

func (c ChannelID) String() string {
	switch c {
	case ChannelEndOfStream:
		return "end_of_stream"
	case ChannelAuthentication:
		return "authentication"
	case ChannelControl:
		return "control"
	case ChannelMedia:
		return "media"
	case ChannelPadding:
		return "padding"
	default:
		return "undefined"
	}
}

// Command identifies the operation carried by a CONTROL frame.
type Command int

const (
	CmdUndefined    Command = -256
	CmdEndOfStream  Command = -1
	CmdFlashlight   Command = 0
	CmdCaps         Command = 1
	CmdAvailability Command = 2
	CmdFormat       Command = 3
)

// CommandByID maps an aux byte (or its signed value) to a Command.
// 0xFF and -1 both map to CmdEndOfStream.
func CommandByID(id int) Command {
	switch id {
	case -1, 0xFF:
		return CmdEndOfStream
	case 0:
		return CmdFlashlight
	case 1:
		return CmdCaps
	case 2:
		return CmdAvailability
	case 3:
		return CmdFormat
	default:
		return CmdUndefined
	}
}

// Byte returns the aux byte sent on the wire for c.
func (c Command) Byte() byte {
	return byte(int8(c))
}

func (c Command) String() string {
	switch c {
	case CmdEndOfStream:
		return "end_of_stream"
	case CmdFlashlight:
		return "flashlight"
	case CmdCaps:
		return "caps"
	case CmdAvailability:
		return "availability"
	case CmdFormat:
		return "format"
	default:
		return "undefined"
	}
}

// AuthStatus is the single status byte the camera sends on the
// AUTHENTICATION channel.
type AuthStatus byte

const (
	AuthOK                     AuthStatus = 0
	AuthDeniedServerError      AuthStatus = 1
	AuthDeniedSecurityError    AuthStatus = 2
	AuthDeniedWrongCredentials AuthStatus = 3
	AuthDeniedNotAllowed       AuthStatus = 4
	// AuthOKSkipSHA accepts the viewer without the shadow exchange because
	// it is already trusted; the cipher is keyed from the stored shadow.
	AuthOKSkipSHA AuthStatus = 127
)

// Accepted reports whether s lets the viewer proceed.
func (s AuthStatus) Accepted() bool {
	return s == AuthOK || s == AuthOKSkipSHA
}

func (s AuthStatus) String() string {
	switch s {
	case AuthOK:
		return "ok"
	case AuthOKSkipSHA:
		return "ok_skip_sha"
	case AuthDeniedServerError:
		return "server_error"
	case AuthDeniedSecurityError:
		return "security_error"
	case AuthDeniedWrongCredentials:
		return "wrong_credentials"
	case AuthDeniedNotAllowed:
		return "not_allowed"
	default:
		return fmt.Sprintf("status(%d)", byte(s))
	}
}
