package modem

import "errors"

var (
	// ErrUnresponsive means the modem did not answer within the command timeout
	// or the connection failed.
	ErrUnresponsive = errors.New("modem unresponsive")
	// ErrRejected means the modem answered with an ERROR reply.
	ErrRejected = errors.New("modem rejected command")
	// ErrFrameTooLarge means a frame exceeds the active modulation's capacity.
	ErrFrameTooLarge = errors.New("frame exceeds modulation capacity")
	// ErrClosed is returned once the data channel has stopped.
	ErrClosed = errors.New("data channel closed")

	ErrUnknownModulation = errors.New("unknown modulation")
)
