package dlproto

// Timings describes one display mode in fbdev terms: active resolution,
// blanking margins around each sync pulse, and the pixel clock period in
// picoseconds.
type Timings struct {
	XRes, YRes int

	LeftMargin  int // horizontal back porch
	RightMargin int // horizontal front porch
	UpperMargin int // vertical back porch
	LowerMargin int // vertical front porch

	HSyncLen int
	VSyncLen int

	PixClockPs int
}

// lfsr16 converts an actual counter value into the linear feedback shift
// register form the display controller compares against. The hardware
// minimizes counter clock depth by running LFSRs instead of binary
// counters, so register values must be the LFSR state reached after the
// wanted number of steps from the 0xFFFF seed.
func lfsr16(actual uint16) uint16 {
	lv := uint32(0xFFFF)
	for ; actual > 0; actual-- {
		lv = ((lv << 1) |
			(((lv >> 15) ^ (lv >> 4) ^ (lv >> 2) ^ (lv >> 1)) & 1)) & 0xFFFF
	}
	return uint16(lv)
}

// AppendRegister appends one 0x20 register write command.
func AppendRegister(out *Buffer, reg, val byte) bool {
	if out.Free() < 4 {
		return false
	}
	out.putByte(SyncByte)
	out.putByte(OpRegister)
	out.putByte(reg)
	out.putByte(val)
	return true
}

func appendRegister16(out *Buffer, reg byte, val uint16) {
	AppendRegister(out, reg, byte(val>>8))
	AppendRegister(out, reg+1, byte(val))
}

// appendRegister16BE writes the pair in the reversed order some registers
// expect.
func appendRegister16BE(out *Buffer, reg byte, val uint16) {
	AppendRegister(out, reg, byte(val))
	AppendRegister(out, reg+1, byte(val>>8))
}

func appendRegisterLFSR16(out *Buffer, reg byte, val uint16) {
	appendRegister16(out, reg, lfsr16(val))
}

// VideoModeStream builds the register command sequence that programs the
// given mode: registers are unlocked, color depth and the 16bpp/8bpp base
// addresses are set, the timing registers are written, and hvsync output
// is enabled before locking again. base16 and base8 are device addresses
// of the two framebuffer segments.
func VideoModeStream(base16, base8 uint32, t Timings) []byte {
	// 36 register commands at 4 bytes each; round up generously.
	out, err := NewBuffer(256, 0)
	if err != nil {
		panic(err)
	}

	AppendRegister(out, 0xFF, 0x00) // vidreg lock
	AppendRegister(out, 0x00, 0x00) // color depth: 16bpp

	AppendRegister(out, 0x20, byte(base16>>16))
	AppendRegister(out, 0x21, byte(base16>>8))
	AppendRegister(out, 0x22, byte(base16))

	AppendRegister(out, 0x26, byte(base8>>16))
	AppendRegister(out, 0x27, byte(base8>>8))
	AppendRegister(out, 0x28, byte(base8))

	xds := t.LeftMargin + t.HSyncLen
	xde := xds + t.XRes
	yds := t.UpperMargin + t.VSyncLen
	yde := yds + t.YRes

	appendRegisterLFSR16(out, 0x01, uint16(xds)) // x display start
	appendRegisterLFSR16(out, 0x03, uint16(xde)) // x display end
	appendRegisterLFSR16(out, 0x05, uint16(yds)) // y display start
	appendRegisterLFSR16(out, 0x07, uint16(yde)) // y display end

	// x end count is active + blanking - 1
	appendRegisterLFSR16(out, 0x09, uint16(xde+t.RightMargin-1))

	// hsync start is hardwired to 1, end is pulse width + 1
	appendRegisterLFSR16(out, 0x0B, 1)
	appendRegisterLFSR16(out, 0x0D, uint16(t.HSyncLen+1))
	appendRegister16(out, 0x0F, uint16(t.XRes))

	// y end count is vertical active + vertical blanking
	yec := t.YRes + t.UpperMargin + t.LowerMargin + t.VSyncLen
	appendRegisterLFSR16(out, 0x11, uint16(yec))

	// vsync start is hardwired to 0, end is the pulse width
	appendRegisterLFSR16(out, 0x13, 0)
	appendRegisterLFSR16(out, 0x15, uint16(t.VSyncLen))
	appendRegister16(out, 0x17, uint16(t.YRes))

	// pixel clock as a 5kHz multiple: x * 1e12 / 5000 / pixclock_ps
	appendRegister16BE(out, 0x1B, uint16(200*1000*1000/t.PixClockPs))

	AppendRegister(out, 0x1F, 0x00) // enable hvsync
	AppendRegister(out, 0xFF, 0xFF) // vidreg unlock

	return out.Bytes()
}

// stdChannel is the magic blob selecting the standard communication
// channel, sent as a vendor control request before any bulk traffic.
var stdChannel = [16]byte{
	0x57, 0xCD, 0xDC, 0xA7,
	0x1C, 0x88, 0x5E, 0x15,
	0x60, 0xFE, 0xC6, 0x97,
	0x16, 0x3D, 0x47, 0xF2,
}

// StdChannel returns the standard channel selection payload.
func StdChannel() []byte {
	b := stdChannel
	return b[:]
}
