// Package edid parses the monitor descriptor block the controller reads
// over DDC, extracting the preferred detailed timing so the driver can
// program the matching video mode.
package edid

import (
	"bytes"
	"errors"
	"fmt"

	"udlblit/internal/dlproto"
)

// BlockSize is one EDID base block.
const BlockSize = 128

// detailed timing descriptor 1, the preferred mode.
const dtdOffset = 54

var header = []byte{0x00, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0x00}

var (
	ErrHeader   = errors.New("edid: bad header")
	ErrChecksum = errors.New("edid: checksum mismatch")
)

// Parse extracts the preferred detailed timing from an EDID base block.
func Parse(block []byte) (dlproto.Timings, error) {
	var t dlproto.Timings

	if len(block) < BlockSize {
		return t, fmt.Errorf("edid: block too short: %d bytes", len(block))
	}
	if !bytes.Equal(block[:8], header) {
		return t, ErrHeader
	}
	var sum byte
	for _, b := range block[:BlockSize] {
		sum += b
	}
	if sum != 0 {
		return t, ErrChecksum
	}

	d := block[dtdOffset : dtdOffset+18]

	// Pixel clock in 10 kHz units, little-endian. Zero marks a display
	// descriptor rather than a timing.
	clock := int(d[0]) | int(d[1])<<8
	if clock == 0 {
		return t, errors.New("edid: descriptor 1 is not a detailed timing")
	}
	// fbdev convention: pixel clock period in picoseconds.
	t.PixClockPs = 100_000_000 / clock

	hactive := int(d[2]) | int(d[4]>>4)<<8
	hblank := int(d[3]) | int(d[4]&0x0F)<<8
	vactive := int(d[5]) | int(d[7]>>4)<<8
	vblank := int(d[6]) | int(d[7]&0x0F)<<8

	hsyncOff := int(d[8]) | int(d[11]>>6)<<8
	hsyncWidth := int(d[9]) | int((d[11]>>4)&0x3)<<8
	vsyncOff := int(d[10]>>4) | int((d[11]>>2)&0x3)<<4
	vsyncWidth := int(d[10]&0x0F) | int(d[11]&0x3)<<4

	t.XRes = hactive
	t.YRes = vactive
	t.RightMargin = hsyncOff
	t.HSyncLen = hsyncWidth
	t.LeftMargin = hblank - hsyncOff - hsyncWidth
	t.LowerMargin = vsyncOff
	t.VSyncLen = vsyncWidth
	t.UpperMargin = vblank - vsyncOff - vsyncWidth

	if t.XRes <= 0 || t.YRes <= 0 || t.LeftMargin < 0 || t.UpperMargin < 0 {
		return t, fmt.Errorf("edid: implausible timing %dx%d", t.XRes, t.YRes)
	}
	return t, nil
}

// Fallback returns VESA 1024x768@60, used when the EDID cannot be read or
// parsed.
func Fallback() dlproto.Timings {
	return dlproto.Timings{
		XRes: 1024, YRes: 768,
		LeftMargin: 160, RightMargin: 24,
		UpperMargin: 29, LowerMargin: 3,
		HSyncLen: 136, VSyncLen: 6,
		PixClockPs: 15384,
	}
}
