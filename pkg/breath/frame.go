package breath

import (
	"fmt"
	"strconv"

	pkgerrors "github.com/pkg/errors"
)

// FrameLen is the number of hex digits in a sensor frame.
const FrameLen = 4

// ParseFrame decodes a notification frame into its wire-scale reading.
// Frames are fixed-width hex text, optionally CR/LF terminated.
func ParseFrame(p []byte) (int, error) {
	for len(p) > 0 && (p[len(p)-1] == '\r' || p[len(p)-1] == '\n') {
		p = p[:len(p)-1]
	}
	if len(p) == 0 {
		return 0, fmt.Errorf("empty frame")
	}
	if len(p) != FrameLen {
		return 0, fmt.Errorf("frame length %d, want %d", len(p), FrameLen)
	}
	v, err := strconv.ParseUint(string(p), 16, 16)
	if err != nil {
		return 0, pkgerrors.Wrapf(err, "malformed frame %q", p)
	}
	return int(v), nil
}

// EncodeFrame encodes a wire-scale reading the way the peripheral sends it.
func EncodeFrame(raw int) []byte {
	return []byte(fmt.Sprintf("%04X", raw))
}
