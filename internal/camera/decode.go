package camera

import (
	"fmt"

	"github.com/visionline/visiond/internal/camsdk"
)

// bgrBytesPerPixel is the stride of the writer-facing pixel format.
const bgrBytesPerPixel = 3

// bgrFrameSize returns the BGR24 byte count for a frame geometry.
func bgrFrameSize(width, height int) int {
	return width * height * bgrBytesPerPixel
}

// decodeToBGR converts one processed sensor frame into 8-bit BGR24.
//
// 8-bit mono replicates the luma value into all three channels. 8-bit
// color is already BGR and is copied through. Wider depths carry two
// bytes per channel little-endian and are shifted down to 8 bits before
// the same treatment.
func decodeToBGR(in []byte, hdr camsdk.FrameHeader, out []byte) error {
	pixels := hdr.Width * hdr.Height
	need := pixels * bgrBytesPerPixel
	if len(out) < need {
		return fmt.Errorf("output buffer too small: %d < %d", len(out), need)
	}
	if len(in) < hdr.Bytes {
		return fmt.Errorf("input frame truncated: %d < %d", len(in), hdr.Bytes)
	}

	switch {
	case hdr.BitDepth == 8 && !hdr.Color:
		for i := 0; i < pixels; i++ {
			v := in[i]
			o := i * 3
			out[o] = v
			out[o+1] = v
			out[o+2] = v
		}
	case hdr.BitDepth == 8 && hdr.Color:
		copy(out[:need], in[:need])
	case hdr.BitDepth > 8 && !hdr.Color:
		shift := uint(hdr.BitDepth - 8)
		for i := 0; i < pixels; i++ {
			raw := uint16(in[i*2]) | uint16(in[i*2+1])<<8
			v := byte(raw >> shift)
			o := i * 3
			out[o] = v
			out[o+1] = v
			out[o+2] = v
		}
	case hdr.BitDepth > 8 && hdr.Color:
		shift := uint(hdr.BitDepth - 8)
		for i := 0; i < pixels*3; i++ {
			raw := uint16(in[i*2]) | uint16(in[i*2+1])<<8
			out[i] = byte(raw >> shift)
		}
	default:
		return fmt.Errorf("unsupported frame format: %d-bit color=%v", hdr.BitDepth, hdr.Color)
	}
	return nil
}
