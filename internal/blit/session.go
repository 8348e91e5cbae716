// Package blit turns framebuffer damage into DisplayLink command traffic:
// it diffs the live frame against a shadow copy of what the device last
// received, encodes the changed spans through dlproto and pushes filled
// buffers through a transport sink, advancing the shadow only for pixels
// whose buffers were actually delivered.
package blit

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"sync"
	"time"

	"udlblit/internal/dlproto"
	"udlblit/internal/pixel"
	"udlblit/internal/transport"
)

var (
	// ErrSessionClosed is returned once the session was closed or the
	// device went away; no further operation can succeed.
	ErrSessionClosed = errors.New("blit: session closed")

	// ErrBounds is returned for rectangles outside the display.
	ErrBounds = errors.New("blit: rectangle outside display bounds")
)

// Options tune a session. Zero values select the defaults.
type Options struct {
	// BufferSize and Reserve configure the command buffer; see
	// dlproto.NewBuffer.
	BufferSize int
	Reserve    int

	// Base is the device address of pixel (0,0) in the 16bpp segment.
	Base uint32

	// SendTimeout bounds each buffer send. Zero means one second.
	SendTimeout time.Duration
}

// DefaultSendTimeout bounds a single bulk transfer.
const DefaultSendTimeout = time.Second

// Stats are running counters exposed on the status surface.
type Stats struct {
	Blits       uint64 `json:"blits"`
	RowsSent    uint64 `json:"rows_sent"`
	BuffersSent uint64 `json:"buffers_sent"`
	BytesSent   uint64 `json:"bytes_sent"`
	LastError   string `json:"last_error,omitempty"`
}

// rowSpan records framebuffer pixels whose encoded bytes are in flight:
// the shadow copy is advanced for these only after the buffer holding
// them was delivered.
type rowSpan struct {
	off int
	n   int
}

// Session owns one attached display: the live frame, the shadow copy of
// the device's content, the command buffer and the transport. All
// operations serialize on an internal mutex; buffers are sent strictly in
// fill order because later commands continue the device address state of
// earlier ones.
type Session struct {
	mu     sync.Mutex
	fb     *pixel.Image
	shadow []uint16
	buf    *dlproto.Buffer
	sink   transport.Sink

	base    uint32
	stride  int // device bytes per row
	timeout time.Duration

	pending []rowSpan
	stats   Stats
	closed  bool

	// largest raw stripe that fits the (fixed) buffer geometry
	maxStripe int
}

// NewSession allocates the frame and shadow for a w x h display and wires
// the transport sink.
func NewSession(w, h int, sink transport.Sink, opts *Options) (*Session, error) {
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("blit: invalid geometry %dx%d", w, h)
	}
	var o Options
	if opts != nil {
		o = *opts
	}
	if o.BufferSize == 0 {
		o.BufferSize = dlproto.DefaultBufferSize
		if o.Reserve == 0 {
			o.Reserve = dlproto.DefaultReserve
		}
	}
	if o.SendTimeout == 0 {
		o.SendTimeout = DefaultSendTimeout
	}

	stride := w * dlproto.BytesPerPixel
	if int64(o.Base)+int64(h)*int64(stride) > dlproto.AddressSpace {
		return nil, fmt.Errorf("blit: %dx%d at base %#x exceeds device address space", w, h, o.Base)
	}

	buf, err := dlproto.NewBuffer(o.BufferSize, o.Reserve)
	if err != nil {
		return nil, err
	}

	maxStripe := min(dlproto.MaxStripePixels, (buf.Cap()-6)/dlproto.BytesPerPixel)

	return &Session{
		fb:        pixel.NewImage(w, h),
		shadow:    make([]uint16, w*h),
		buf:       buf,
		sink:      sink,
		base:      o.Base,
		stride:    stride,
		timeout:   o.SendTimeout,
		maxStripe: maxStripe,
	}, nil
}

// Bounds returns the display rectangle.
func (s *Session) Bounds() image.Rectangle {
	return s.fb.Rect
}

// Stats returns a copy of the running counters.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Draw composes src onto the live frame at the given point. Nothing is
// sent until Blit is called for the damaged area.
func (s *Session) Draw(src image.Image, at image.Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	r := src.Bounds().Sub(src.Bounds().Min).Add(at).Intersect(s.fb.Rect)
	draw.Draw(s.fb, r, src, src.Bounds().Min, draw.Src)
	return nil
}

// Snapshot returns a copy of the live frame for preview purposes.
func (s *Session) Snapshot() image.Image {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := image.NewRGBA(s.fb.Rect)
	draw.Draw(out, s.fb.Rect, s.fb, s.fb.Rect.Min, draw.Src)
	return out
}

// Blit sends every pixel of rect that differs from the device's last
// known content and advances the shadow for delivered rows. On transport
// failure the shadow keeps its pre-update value, so the next Blit
// naturally re-detects the undelivered region; there is no automatic
// retry.
func (s *Session) Blit(ctx context.Context, rect image.Rectangle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	rect = rect.Canon()
	if rect.Empty() {
		return nil
	}
	if !rect.In(s.fb.Rect) {
		return fmt.Errorf("%w: %v not in %v", ErrBounds, rect, s.fb.Rect)
	}
	s.stats.Blits++
	return s.blitLocked(ctx, rect)
}

func (s *Session) blitLocked(ctx context.Context, rect image.Rectangle) error {
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		off := s.fb.PixOffset(rect.Min.X, y)
		cur := s.fb.Pix[off : off+rect.Dx()]
		shadow := s.shadow[off : off+rect.Dx()]

		run, dirty := findDirty(cur, shadow)
		if !dirty {
			continue
		}

		addr := s.rowAddr(y) + uint32((rect.Min.X+run.first)*dlproto.BytesPerPixel)
		cursor := dlproto.Cursor{Index: run.first, Addr: addr}
		for cursor.Index < run.last {
			cursor = dlproto.EncodeHybridLine(cur, run.last, cursor, s.buf)
			if s.buf.NeedFlush() {
				if err := s.flushLocked(ctx, true); err != nil {
					return err
				}
			}
		}

		s.pending = append(s.pending, rowSpan{off: off + run.first, n: run.last - run.first})
		s.stats.RowsSent++
	}

	if s.buf.Empty() && len(s.pending) == 0 {
		return nil
	}
	s.appendCommitLocked()
	return s.flushLocked(ctx, false)
}

// FullRefresh pushes the entire frame as uncompressed stripes, the way
// the device is primed right after a modeset.
func (s *Session) FullRefresh(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}

	w := s.fb.Rect.Dx()
	for y := s.fb.Rect.Min.Y; y < s.fb.Rect.Max.Y; y++ {
		off := s.fb.PixOffset(s.fb.Rect.Min.X, y)
		row := s.fb.Pix[off : off+w]
		for x := 0; x < w; {
			n := min(w-x, s.maxStripe)
			if !dlproto.AppendRawStripe(s.buf, s.rowAddr(y)+uint32(x*dlproto.BytesPerPixel), row[x:x+n]) {
				if err := s.flushLocked(ctx, true); err != nil {
					return err
				}
				continue
			}
			x += n
		}
		s.pending = append(s.pending, rowSpan{off: off, n: w})
	}
	s.appendCommitLocked()
	return s.flushLocked(ctx, false)
}

// Fill paints rect with a solid color and sends the damage. Solid runs
// compress to RLE spans, so even large fills stay cheap on the wire.
func (s *Session) Fill(ctx context.Context, rect image.Rectangle, c color.Color) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	rect = rect.Canon()
	if rect.Empty() {
		return nil
	}
	if !rect.In(s.fb.Rect) {
		return fmt.Errorf("%w: %v not in %v", ErrBounds, rect, s.fb.Rect)
	}

	v := uint16(pixel.FromColor(c))
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		row := s.fb.Row(y, rect.Min.X, rect.Max.X)
		for i := range row {
			row[i] = v
		}
	}
	s.stats.Blits++
	return s.blitLocked(ctx, rect)
}

// CopyArea copies the src rectangle so its minimum corner lands on dst,
// then brings the device in sync. When the source region is clean (device
// already holds it) and the regions do not overlap, the copy runs
// device-side with 0x6A commands instead of re-sending pixel data.
func (s *Session) CopyArea(ctx context.Context, dst image.Point, src image.Rectangle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	src = src.Canon()
	if src.Empty() {
		return nil
	}
	dstRect := src.Sub(src.Min).Add(dst)
	if !src.In(s.fb.Rect) || !dstRect.In(s.fb.Rect) {
		return fmt.Errorf("%w: copy %v -> %v not in %v", ErrBounds, src, dstRect, s.fb.Rect)
	}
	s.stats.Blits++

	if !src.Overlaps(dstRect) && s.cleanLocked(src) {
		return s.deviceCopyLocked(ctx, dst, src)
	}

	// Host-side copy; iterate in an order safe for overlap, then re-send
	// the damaged destination.
	if dst.Y <= src.Min.Y {
		for y := 0; y < src.Dy(); y++ {
			copy(s.fb.Row(dst.Y+y, dst.X, dst.X+src.Dx()), s.fb.Row(src.Min.Y+y, src.Min.X, src.Max.X))
		}
	} else {
		for y := src.Dy() - 1; y >= 0; y-- {
			copy(s.fb.Row(dst.Y+y, dst.X, dst.X+src.Dx()), s.fb.Row(src.Min.Y+y, src.Min.X, src.Max.X))
		}
	}
	return s.blitLocked(ctx, dstRect)
}

// deviceCopyLocked mirrors a host copy with 0x6A device-to-device copy
// commands, then marks the destination clean: the device wrote the same
// pixels the host now holds.
func (s *Session) deviceCopyLocked(ctx context.Context, dst image.Point, src image.Rectangle) error {
	w := src.Dx()
	for y := 0; y < src.Dy(); y++ {
		srcAddr := s.rowAddr(src.Min.Y+y) + uint32(src.Min.X*dlproto.BytesPerPixel)
		dstAddr := s.rowAddr(dst.Y+y) + uint32(dst.X*dlproto.BytesPerPixel)
		for x := 0; x < w; {
			n := min(w-x, dlproto.MaxStripePixels)
			step := uint32(x * dlproto.BytesPerPixel)
			if !dlproto.AppendCopyRect(s.buf, dstAddr+step, n, srcAddr+step) {
				if err := s.flushLocked(ctx, true); err != nil {
					return err
				}
				continue
			}
			x += n
		}
	}

	// Mirror on the host. The regions do not overlap, so a direct row
	// copy is safe.
	for y := 0; y < src.Dy(); y++ {
		from := s.fb.Row(src.Min.Y+y, src.Min.X, src.Max.X)
		copy(s.fb.Row(dst.Y+y, dst.X, dst.X+w), from)
		off := s.fb.PixOffset(dst.X, dst.Y+y)
		s.pending = append(s.pending, rowSpan{off: off, n: w})
	}

	s.appendCommitLocked()
	return s.flushLocked(ctx, false)
}

// cleanLocked reports whether the device already holds rect's content.
func (s *Session) cleanLocked(rect image.Rectangle) bool {
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		off := s.fb.PixOffset(rect.Min.X, y)
		cur := s.fb.Pix[off : off+rect.Dx()]
		shadow := s.shadow[off : off+rect.Dx()]
		if _, dirty := findDirty(cur, shadow); dirty {
			return false
		}
	}
	return true
}

// Close tears the session down; subsequent operations fail fast.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.buf.Reset()
	s.pending = nil
	return nil
}

func (s *Session) rowAddr(y int) uint32 {
	return s.base + uint32(y*s.stride)
}

// appendCommitLocked adds the frame commit marker. The flush-on-reserve
// policy guarantees room, but a lost marker is preferable to lost pixels,
// so a full buffer is tolerated.
func (s *Session) appendCommitLocked() {
	dlproto.AppendCommit(s.buf)
}

// flushLocked hands the buffer to the sink. On success the shadow is
// advanced for every pending row span; on failure pending spans are
// dropped so their pixels stay dirty and the error is surfaced. A device
// gone error closes the session.
func (s *Session) flushLocked(ctx context.Context, pad bool) error {
	if s.buf.Empty() && len(s.pending) == 0 {
		return nil
	}
	if pad {
		s.buf.Pad()
	}

	sctx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		sctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	n := s.buf.Len()
	err := s.sink.Send(sctx, s.buf.Bytes())
	s.buf.Reset()
	if err != nil {
		s.pending = s.pending[:0]
		s.stats.LastError = err.Error()
		if errors.Is(err, transport.ErrDeviceGone) {
			s.closed = true
		}
		return fmt.Errorf("blit: flush: %w", err)
	}

	for _, rs := range s.pending {
		copy(s.shadow[rs.off:rs.off+rs.n], s.fb.Pix[rs.off:rs.off+rs.n])
	}
	s.pending = s.pending[:0]
	s.stats.BuffersSent++
	s.stats.BytesSent += uint64(n)
	return nil
}
