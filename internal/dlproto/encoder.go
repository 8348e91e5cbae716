package dlproto

import "fmt"

// Cursor is the resumable encode position within one horizontal line:
// the index of the next pixel to encode and the device byte address it
// maps to. It is the only state carried between encoder calls, so a line
// can continue into a fresh buffer exactly where the previous call
// stopped.
type Cursor struct {
	Index int
	Addr  uint32
}

type encState int

const (
	stateRaw encState = iota
	stateRLE
)

// EncodeHybridLine encodes pixels pix[cur.Index:end] as hybrid raw/RLE
// line-write commands appended to out, and returns the advanced cursor.
//
// Each command covers at most 256 pixels and as many bytes as the buffer
// has free (worst case 2 per pixel). Spans alternate raw, RLE, raw, ...
// always starting raw. A raw span ends as soon as the next pixel repeats
// the one just written: the span switch costs 2 bytes of overhead, the
// same as one repeated raw pixel, so two duplicates break even and three
// or more win.
//
// The encoder performs no work when fewer than MinCommandBytes are free;
// the caller is expected to check NeedFlush, pad and flush. Span
// transitions are additionally guarded so no zero-length span is ever
// emitted: every raw span carries at least one pixel and every RLE repeat
// count is 1..255, leaving the command pixel count as the only place the
// 0-means-256 wraparound can occur.
func EncodeHybridLine(pix []uint16, end int, cur Cursor, out *Buffer) Cursor {
	if end > len(pix) || cur.Index < 0 {
		panic(fmt.Sprintf("dlproto: encode range [%d:%d) outside pixel slice of len %d", cur.Index, end, len(pix)))
	}

	for cur.Index < end && out.Free() >= MinCommandBytes {
		out.putByte(SyncByte)
		out.putByte(OpHybrid16)
		out.putAddr24(cur.Addr)
		cmdCount := out.reserveCount()
		cmdStart := cur.Index

		cmdEnd := cmdStart + min(end-cmdStart, MaxCommandPixels)

		state := stateRaw
		rawCount := out.reserveCount()
		rawStart := cur.Index
		repeat := 0

	pixels:
		for cur.Index < cmdEnd {
			switch state {
			case stateRaw:
				if out.Free() < BytesPerPixel {
					break pixels
				}
				out.putPixel(pix[cur.Index])
				// Enter RLE only if the duplicate still falls inside
				// this command's 256-pixel window and one byte remains
				// for the eventual repeat count; otherwise the
				// duplicate simply stays raw.
				if cur.Index+1 < cmdEnd && pix[cur.Index+1] == pix[cur.Index] && out.Free() >= 1 {
					rawCount.Seal(cur.Index + 1 - rawStart)
					repeat = 0
					state = stateRLE
				}
				cur.Index++

			case stateRLE:
				repeat++
				if cur.Index+1 < cmdEnd && pix[cur.Index+1] != pix[cur.Index] {
					// The run ends here. Switching back to raw needs
					// the repeat byte, a fresh count byte and room for
					// one raw pixel; without that, close the command
					// at this span boundary instead.
					if out.Free() < 2+BytesPerPixel {
						cur.Index++
						break pixels
					}
					out.putByte(byte(repeat))
					rawStart = cur.Index + 1
					rawCount = out.reserveCount()
					state = stateRaw
				}
				cur.Index++
			}
		}

		// Out of pixels or out of space: close whichever span is open.
		// A mid-run RLE span cannot overrun, its only pending emission
		// is the count byte guaranteed free when the run was entered.
		switch state {
		case stateRaw:
			rawCount.Seal(cur.Index - rawStart)
		case stateRLE:
			out.putByte(byte(repeat))
		}

		cmdCount.Seal(cur.Index - cmdStart)
		cur.Addr += uint32(cur.Index-cmdStart) * BytesPerPixel
	}

	return cur
}

// AppendRawStripe appends one uncompressed 0x68 stripe command carrying up
// to MaxStripePixels pixels. It reports false without writing anything if
// the pixel count or remaining space does not allow it.
func AppendRawStripe(out *Buffer, addr uint32, pix []uint16) bool {
	if len(pix) == 0 || len(pix) > MaxStripePixels {
		return false
	}
	if out.Free() < stripeHeaderBytes+len(pix)*BytesPerPixel {
		return false
	}
	out.putByte(SyncByte)
	out.putByte(OpStripe)
	out.putAddr24(addr)
	out.putByte(byte(len(pix)))
	for _, p := range pix {
		out.putPixel(p)
	}
	return true
}

// AppendCopyRect appends one 0x6A device-to-device copy command moving up
// to MaxStripePixels pixels from src to dst inside device frame memory.
func AppendCopyRect(out *Buffer, dst uint32, count int, src uint32) bool {
	if count <= 0 || count > MaxStripePixels {
		return false
	}
	if out.Free() < copyCommandBytes {
		return false
	}
	out.putByte(SyncByte)
	out.putByte(OpCopy)
	out.putAddr24(dst)
	out.putByte(byte(count))
	out.putAddr24(src)
	return true
}

// AppendCommit appends the 0xA0 flush marker that makes the device present
// everything written before it.
func AppendCommit(out *Buffer) bool {
	if out.Free() < 2 {
		return false
	}
	out.putByte(SyncByte)
	out.putByte(OpCommit)
	return true
}
