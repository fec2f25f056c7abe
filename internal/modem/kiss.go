package modem

import (
	"bufio"
	"io"
)

// KISS framing bytes.
const (
	FEND  = 0xC0
	FESC  = 0xDB
	TFEND = 0xDC
	TFESC = 0xDD

	cmdData = 0x00
)

// EncodeKISS wraps payload in a port-0 data frame.
func EncodeKISS(payload []byte) []byte {
	out := make([]byte, 0, len(payload)+4)
	out = append(out, FEND, cmdData)
	for _, b := range payload {
		switch b {
		case FEND:
			out = append(out, FESC, TFEND)
		case FESC:
			out = append(out, FESC, TFESC)
		default:
			out = append(out, b)
		}
	}
	return append(out, FEND)
}

// KISSReader extracts data frames from a KISS byte stream. Frames with a
// command byte other than port-0 data are skipped.
type KISSReader struct {
	r        *bufio.Reader
	maxFrame int
	inFrame  bool
}

// NewKISSReader returns a reader that drops frames longer than maxFrame bytes.
func NewKISSReader(r io.Reader, maxFrame int) *KISSReader {
	if maxFrame <= 0 {
		maxFrame = 4096
	}
	return &KISSReader{r: bufio.NewReader(r), maxFrame: maxFrame}
}

// ReadFrame blocks until the next complete data frame or a read error.
func (k *KISSReader) ReadFrame() ([]byte, error) {
	var (
		buf     []byte
		escaped bool
		tooLong bool
	)

	for {
		b, err := k.r.ReadByte()
		if err != nil {
			return nil, err
		}

		if b == FEND {
			// A closing FEND may also open the next frame.
			if k.inFrame && len(buf) > 1 && !tooLong && buf[0] == cmdData {
				return buf[1:], nil
			}
			buf = buf[:0]
			k.inFrame = true
			escaped = false
			tooLong = false
			continue
		}
		if !k.inFrame {
			continue
		}

		if escaped {
			escaped = false
			switch b {
			case TFEND:
				b = FEND
			case TFESC:
				b = FESC
			}
		} else if b == FESC {
			escaped = true
			continue
		}

		if len(buf) > k.maxFrame {
			tooLong = true
			continue
		}
		buf = append(buf, b)
	}
}
