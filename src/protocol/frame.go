// Package protocol implements the MDP v1 wire format used by MycoBrain
// devices: COBS-framed, CRC16-validated envelopes carrying telemetry,
// commands, and events over lossy serial/LoRa links.
package protocol

import (
	"bytes"
	"fmt"

	"github.com/mycosoft/mycobrain-server/src/inter"
)

// cobsMaxBlock is the longest run of data a single code byte can cover.
const cobsMaxBlock = 254

// EncodeFrame wraps data in a complete MDP frame:
//
//	[0x00] [COBS-encoded data] [0x00]
//
// COBS removes every 0x00 from the body, so the delimiter unambiguously
// marks frame boundaries. A zero-length payload still produces a minimal
// valid frame (heartbeat probes).
func EncodeFrame(data []byte) []byte {
	stuffed := cobsEncode(data)
	frame := make([]byte, 0, len(stuffed)+2)
	frame = append(frame, inter.FrameDelimiter)
	frame = append(frame, stuffed...)
	frame = append(frame, inter.FrameDelimiter)
	return frame
}

// DecodeFrame reverses EncodeFrame. Leading/trailing delimiters are
// tolerated but not required, so a reader that splits its input stream on
// 0x00 can pass the bare body. Any malformed stuffing yields
// inter.ErrFrameMalformed; the caller drops the frame and resynchronizes on
// the next delimiter.
func DecodeFrame(frame []byte) ([]byte, error) {
	body := bytes.TrimPrefix(frame, []byte{inter.FrameDelimiter})
	body = bytes.TrimSuffix(body, []byte{inter.FrameDelimiter})
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: empty frame", inter.ErrFrameMalformed)
	}
	return cobsDecode(body)
}

// cobsEncode performs canonical COBS byte stuffing. Each code byte gives the
// distance to the next implicit zero; runs longer than 254 bytes are split
// with code 0xFF, which carries no implicit zero.
func cobsEncode(data []byte) []byte {
	out := make([]byte, 0, len(data)+1+len(data)/cobsMaxBlock)
	codeIdx := 0
	out = append(out, 0) // placeholder for first code byte
	code := byte(1)

	for _, b := range data {
		if b == 0 {
			out[codeIdx] = code
			codeIdx = len(out)
			out = append(out, 0)
			code = 1
			continue
		}
		out = append(out, b)
		code++
		if code == 0xFF {
			out[codeIdx] = code
			codeIdx = len(out)
			out = append(out, 0)
			code = 1
		}
	}
	out[codeIdx] = code
	return out
}

func cobsDecode(data []byte) ([]byte, error) {
	out := make([]byte, 0, len(data))
	i := 0
	for i < len(data) {
		code := data[i]
		if code == 0 {
			return nil, fmt.Errorf("%w: zero byte inside frame body", inter.ErrFrameMalformed)
		}
		i++
		blockLen := int(code) - 1
		if i+blockLen > len(data) {
			return nil, fmt.Errorf("%w: block extends past end of frame", inter.ErrFrameMalformed)
		}
		out = append(out, data[i:i+blockLen]...)
		i += blockLen
		if i < len(data) && code != 0xFF {
			out = append(out, 0)
		}
	}
	return out, nil
}
