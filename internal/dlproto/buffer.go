package dlproto

import (
	"encoding/binary"
	"fmt"
)

// Buffer geometry defaults, as libdlo and the kernel driver use them.
const (
	DefaultBufferSize = 64 * 1024
	DefaultReserve    = 1024
)

// Buffer is a fixed-capacity command buffer. Commands are appended up to a
// soft limit (capacity minus a reserve); the reserve is never written by a
// new command, which bounds how far a command already in progress can run
// and lets the owner flush on a stable threshold instead of filling to the
// very last byte.
//
// A Buffer is reused across sends: fill, hand Bytes() to the transport,
// Reset, repeat. It is not safe for concurrent use; the owning session
// serializes access.
type Buffer struct {
	b       []byte
	n       int
	reserve int
}

// NewBuffer allocates a command buffer of the given total size keeping
// reserve bytes as the no-new-command threshold.
func NewBuffer(size, reserve int) (*Buffer, error) {
	if size <= 0 || reserve < 0 || size-reserve < MinCommandBytes {
		return nil, fmt.Errorf("dlproto: unusable buffer geometry size=%d reserve=%d", size, reserve)
	}
	return &Buffer{b: make([]byte, size), reserve: reserve}, nil
}

// Len returns the number of command bytes written so far.
func (b *Buffer) Len() int { return b.n }

// Cap returns the usable capacity, excluding the reserve.
func (b *Buffer) Cap() int { return len(b.b) - b.reserve }

// Free returns the usable bytes remaining.
func (b *Buffer) Free() int { return b.Cap() - b.n }

// Empty reports whether nothing has been written since the last Reset.
func (b *Buffer) Empty() bool { return b.n == 0 }

// Bytes returns the filled portion of the buffer. The slice aliases the
// buffer and is invalidated by Reset.
func (b *Buffer) Bytes() []byte { return b.b[:b.n] }

// Reset discards all written bytes, making the full capacity available.
func (b *Buffer) Reset() { b.n = 0 }

// NeedFlush reports whether the buffer is too full to start another
// command.
func (b *Buffer) NeedFlush() bool { return b.Free() < MinCommandBytes }

// Pad fills the unused tail up to the soft limit with no-op sync bytes so
// the device never interprets stale bytes as a command, and marks the
// buffer full. Call before flushing a buffer that still has a sub-command
// tail free.
func (b *Buffer) Pad() {
	for i := b.n; i < b.Cap(); i++ {
		b.b[i] = SyncByte
	}
	b.n = b.Cap()
}

func (b *Buffer) putByte(v byte) {
	b.b[b.n] = v
	b.n++
}

// putPixel appends one RGB565 pixel in wire (big-endian) order.
func (b *Buffer) putPixel(p uint16) {
	binary.BigEndian.PutUint16(b.b[b.n:], p)
	b.n += 2
}

// putAddr24 appends a device address as the top three bytes of its 32-bit
// big-endian form.
func (b *Buffer) putAddr24(addr uint32) {
	b.putByte(byte(addr >> 16))
	b.putByte(byte(addr >> 8))
	b.putByte(byte(addr))
}

// countPatch is an open count byte: space reserved in the buffer whose
// value is only known once the span or command it describes has been
// closed. It must be sealed exactly once; a second seal is a structural
// bug in the encoder and panics.
type countPatch struct {
	b      *Buffer
	off    int
	sealed bool
}

// reserveCount reserves one byte and returns its patch handle.
func (b *Buffer) reserveCount() countPatch {
	off := b.n
	b.n++
	return countPatch{b: b, off: off}
}

// Seal writes the final count. Counts are encoded modulo 256; the hardware
// reads 0 as 256.
func (p *countPatch) Seal(count int) {
	if p.sealed {
		panic("dlproto: count byte sealed twice")
	}
	p.b.b[p.off] = byte(count)
	p.sealed = true
}
