package blit

import (
	"context"
	"errors"
	"image"
	"image/color"
	"testing"

	"udlblit/internal/dlproto"
	"udlblit/internal/transport"
)

// fakeSink records every delivered buffer and can be scripted to fail.
type fakeSink struct {
	sent [][]byte
	errs []error // consumed one per Send; nil entries succeed
}

func (f *fakeSink) Send(ctx context.Context, p []byte) error {
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return err
		}
	}
	f.sent = append(f.sent, append([]byte(nil), p...))
	return nil
}

func (f *fakeSink) reset() { f.sent = nil }

func newTestSession(t *testing.T, w, h int, sink transport.Sink, opts *Options) *Session {
	t.Helper()
	s, err := NewSession(w, h, sink, opts)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return s
}

// deviceFrame replays recorded buffers against a model of the device's
// frame memory and returns it, pixel-indexed.
func deviceFrame(t *testing.T, w, h int, bufs [][]byte) []uint16 {
	t.Helper()
	dev := make([]uint16, w*h)
	apply := func(addr uint32, pix []uint16) {
		if addr%dlproto.BytesPerPixel != 0 {
			t.Fatalf("odd device address %#x", addr)
		}
		i := int(addr) / dlproto.BytesPerPixel
		if i+len(pix) > len(dev) {
			t.Fatalf("write at %#x overruns %dx%d frame", addr, w, h)
		}
		copy(dev[i:], pix)
	}
	for _, b := range bufs {
		cmds, err := dlproto.Decode(b)
		if err != nil {
			t.Fatalf("decode sent buffer: %v", err)
		}
		for _, cmd := range cmds {
			switch cmd.Op {
			case dlproto.OpStripe, dlproto.OpHybrid16:
				apply(cmd.Addr, cmd.Pixels)
			case dlproto.OpCopy:
				src := int(cmd.SrcAddr) / dlproto.BytesPerPixel
				dst := int(cmd.Addr) / dlproto.BytesPerPixel
				n := cmd.Count
				if src+n > len(dev) || dst+n > len(dev) {
					t.Fatalf("copy %d pixels %#x -> %#x overruns frame", n, cmd.SrcAddr, cmd.Addr)
				}
				copy(dev[dst:dst+n], dev[src:src+n])
			case dlproto.OpCommit, dlproto.OpRegister:
			default:
				t.Fatalf("unexpected opcode %#02x", cmd.Op)
			}
		}
	}
	return dev
}

func TestBlitUnchangedFrameSendsNothing(t *testing.T) {
	sink := &fakeSink{}
	s := newTestSession(t, 8, 4, sink, nil)

	if err := s.Blit(context.Background(), s.Bounds()); err != nil {
		t.Fatalf("blit: %v", err)
	}
	if len(sink.sent) != 0 {
		t.Fatalf("clean frame produced %d buffers", len(sink.sent))
	}
	if st := s.Stats(); st.BytesSent != 0 || st.RowsSent != 0 {
		t.Fatalf("stats = %+v, want zero traffic", st)
	}
}

func TestBlitSendsDirtyPixelsAndAdvancesShadow(t *testing.T) {
	const w, h = 16, 6
	sink := &fakeSink{}
	s := newTestSession(t, w, h, sink, nil)

	// Dirty two rows, one pixel and one span.
	s.fb.Pix[s.fb.PixOffset(5, 1)] = 0x1234
	copy(s.fb.Row(3, 2, 9), []uint16{7, 7, 7, 7, 8, 9, 7})

	if err := s.Blit(context.Background(), s.Bounds()); err != nil {
		t.Fatalf("blit: %v", err)
	}
	if len(sink.sent) != 1 {
		t.Fatalf("got %d buffers, want 1", len(sink.sent))
	}

	dev := deviceFrame(t, w, h, sink.sent)
	for i, want := range s.fb.Pix {
		if dev[i] != want {
			t.Fatalf("device pixel %d = %#x, want %#x", i, dev[i], want)
		}
	}

	// Clean rows must not be on the wire at all.
	cmds, err := dlproto.Decode(sink.sent[0])
	if err != nil {
		t.Fatal(err)
	}
	stride := uint32(w * dlproto.BytesPerPixel)
	for _, cmd := range cmds {
		if cmd.Op != dlproto.OpHybrid16 {
			continue
		}
		if row := cmd.Addr / stride; row != 1 && row != 3 {
			t.Fatalf("command touches clean row %d", row)
		}
	}
	if cmds[len(cmds)-1].Op != dlproto.OpCommit {
		t.Fatal("buffer does not end with a commit")
	}

	// Shadow advanced: a second blit is traffic-free.
	sink.reset()
	if err := s.Blit(context.Background(), s.Bounds()); err != nil {
		t.Fatalf("second blit: %v", err)
	}
	if len(sink.sent) != 0 {
		t.Fatalf("second blit re-sent %d buffers", len(sink.sent))
	}

	st := s.Stats()
	if st.Blits != 2 || st.RowsSent != 2 || st.BuffersSent != 1 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestBlitFailureLeavesPixelsDirty(t *testing.T) {
	const w, h = 8, 2
	sink := &fakeSink{errs: []error{transport.ErrTimeout}}
	s := newTestSession(t, w, h, sink, nil)

	s.fb.Pix[3] = 0xCAFE
	err := s.Blit(context.Background(), s.Bounds())
	if !errors.Is(err, transport.ErrTimeout) {
		t.Fatalf("blit error = %v, want timeout", err)
	}
	if st := s.Stats(); st.LastError == "" {
		t.Fatal("LastError not recorded")
	}

	// The shadow must still be stale, so the retry re-sends the pixel.
	if err := s.Blit(context.Background(), s.Bounds()); err != nil {
		t.Fatalf("retry blit: %v", err)
	}
	if len(sink.sent) != 1 {
		t.Fatalf("retry produced %d buffers, want 1", len(sink.sent))
	}
	dev := deviceFrame(t, w, h, sink.sent)
	if dev[3] != 0xCAFE {
		t.Fatalf("device pixel = %#x after retry, want 0xCAFE", dev[3])
	}
}

func TestBlitRejectsOutOfBoundsRect(t *testing.T) {
	sink := &fakeSink{}
	s := newTestSession(t, 8, 8, sink, nil)

	err := s.Blit(context.Background(), image.Rect(4, 4, 12, 12))
	if !errors.Is(err, ErrBounds) {
		t.Fatalf("error = %v, want ErrBounds", err)
	}
	if len(sink.sent) != 0 {
		t.Fatal("out-of-bounds blit sent traffic")
	}

	// Empty and inverted rectangles are fine and no-ops.
	if err := s.Blit(context.Background(), image.Rect(5, 5, 5, 5)); err != nil {
		t.Fatalf("empty rect: %v", err)
	}
	if err := s.Blit(context.Background(), image.Rect(6, 6, 2, 2)); err != nil {
		t.Fatalf("inverted rect: %v", err)
	}
}

func TestSessionClosesOnDeviceGone(t *testing.T) {
	sink := &fakeSink{errs: []error{transport.ErrDeviceGone}}
	s := newTestSession(t, 8, 2, sink, nil)

	s.fb.Pix[0] = 1
	err := s.Blit(context.Background(), s.Bounds())
	if !errors.Is(err, transport.ErrDeviceGone) {
		t.Fatalf("blit error = %v, want device gone", err)
	}

	if err := s.Blit(context.Background(), s.Bounds()); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("after device gone: %v, want ErrSessionClosed", err)
	}
}

func TestSessionCloseFailsFast(t *testing.T) {
	sink := &fakeSink{}
	s := newTestSession(t, 8, 2, sink, nil)
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	for name, err := range map[string]error{
		"blit":    s.Blit(context.Background(), s.Bounds()),
		"refresh": s.FullRefresh(context.Background()),
		"fill":    s.Fill(context.Background(), s.Bounds(), color.Black),
		"copy":    s.CopyArea(context.Background(), image.Point{}, s.Bounds()),
		"draw":    s.Draw(image.NewRGBA(image.Rect(0, 0, 1, 1)), image.Point{}),
	} {
		if !errors.Is(err, ErrSessionClosed) {
			t.Errorf("%s after close: %v, want ErrSessionClosed", name, err)
		}
	}
}

func TestFullRefreshSendsWholeFrame(t *testing.T) {
	const w, h = 20, 5
	sink := &fakeSink{}
	// Small buffer forces stripe splitting and multiple flushes.
	s := newTestSession(t, w, h, sink, &Options{BufferSize: 64, Reserve: 8})

	for i := range s.fb.Pix {
		s.fb.Pix[i] = uint16(i * 3)
	}
	if err := s.FullRefresh(context.Background()); err != nil {
		t.Fatalf("full refresh: %v", err)
	}
	if len(sink.sent) < 2 {
		t.Fatalf("expected multiple buffers, got %d", len(sink.sent))
	}

	dev := deviceFrame(t, w, h, sink.sent)
	for i, want := range s.fb.Pix {
		if dev[i] != want {
			t.Fatalf("device pixel %d = %#x, want %#x", i, dev[i], want)
		}
	}

	// And the shadow now matches: nothing left to blit.
	sink.reset()
	if err := s.Blit(context.Background(), s.Bounds()); err != nil {
		t.Fatalf("blit after refresh: %v", err)
	}
	if len(sink.sent) != 0 {
		t.Fatal("blit after full refresh still sent traffic")
	}
}

func TestFillCompressesToRLE(t *testing.T) {
	const w, h = 64, 4
	sink := &fakeSink{}
	s := newTestSession(t, w, h, sink, nil)

	rect := image.Rect(2, 1, 62, 3)
	if err := s.Fill(context.Background(), rect, color.White); err != nil {
		t.Fatalf("fill: %v", err)
	}

	dev := deviceFrame(t, w, h, sink.sent)
	white := uint16(0xFFFF) // RGB565 full white
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			want := uint16(0)
			if (image.Point{x, y}).In(rect) {
				want = white
			}
			if dev[y*w+x] != want {
				t.Fatalf("device (%d,%d) = %#x, want %#x", x, y, dev[y*w+x], want)
			}
		}
	}

	// A 60-pixel solid run must ride an RLE span, not 60 raw pixels.
	cmds, err := dlproto.Decode(sink.sent[0])
	if err != nil {
		t.Fatal(err)
	}
	for _, cmd := range cmds {
		if cmd.Op != dlproto.OpHybrid16 {
			continue
		}
		var rle bool
		for _, sp := range cmd.Spans {
			if sp.RLE {
				rle = true
			}
			if !sp.RLE && sp.Count > 2 {
				t.Fatalf("solid fill produced a raw span of %d pixels", sp.Count)
			}
		}
		if !rle {
			t.Fatal("solid fill produced no RLE span")
		}
	}
}

func TestCopyAreaDeviceSide(t *testing.T) {
	const w, h = 32, 8
	sink := &fakeSink{}
	s := newTestSession(t, w, h, sink, nil)

	// Paint and deliver a source block so the device holds it.
	src := image.Rect(0, 0, 8, 4)
	if err := s.Fill(context.Background(), src, color.White); err != nil {
		t.Fatalf("fill: %v", err)
	}
	sink.reset()

	dst := image.Point{16, 4}
	if err := s.CopyArea(context.Background(), dst, src); err != nil {
		t.Fatalf("copy area: %v", err)
	}

	// The clean, non-overlapping copy must run device-side.
	var copies, hybrids int
	for _, b := range sink.sent {
		cmds, err := dlproto.Decode(b)
		if err != nil {
			t.Fatal(err)
		}
		for _, cmd := range cmds {
			switch cmd.Op {
			case dlproto.OpCopy:
				copies++
			case dlproto.OpHybrid16:
				hybrids++
			}
		}
	}
	if copies != 4 {
		t.Fatalf("got %d copy commands, want 4", copies)
	}
	if hybrids != 0 {
		t.Fatalf("device-side copy also sent %d pixel commands", hybrids)
	}

	// Host frame mirrors the copy and the shadow is in sync.
	for y := 0; y < 4; y++ {
		for x := 0; x < 8; x++ {
			if got := s.fb.Pix[s.fb.PixOffset(16+x, 4+y)]; got != 0xFFFF {
				t.Fatalf("host (%d,%d) = %#x, want white", 16+x, 4+y, got)
			}
		}
	}
	sink.reset()
	if err := s.Blit(context.Background(), s.Bounds()); err != nil {
		t.Fatalf("blit after copy: %v", err)
	}
	if len(sink.sent) != 0 {
		t.Fatal("shadow stale after device-side copy")
	}
}

func TestCopyAreaOverlapFallsBackToPixels(t *testing.T) {
	const w, h = 32, 8
	sink := &fakeSink{}
	s := newTestSession(t, w, h, sink, nil)

	src := image.Rect(0, 0, 16, 4)
	if err := s.Fill(context.Background(), image.Rect(0, 0, 4, 4), color.White); err != nil {
		t.Fatalf("fill: %v", err)
	}
	sink.reset()

	// Destination overlaps the source: must fall back to re-sending
	// pixels, shifting right by 2.
	if err := s.CopyArea(context.Background(), image.Point{2, 0}, src); err != nil {
		t.Fatalf("copy area: %v", err)
	}
	for _, b := range sink.sent {
		cmds, err := dlproto.Decode(b)
		if err != nil {
			t.Fatal(err)
		}
		for _, cmd := range cmds {
			if cmd.Op == dlproto.OpCopy {
				t.Fatal("overlapping copy used device-side commands")
			}
		}
	}
	// The copy lands the white block on x[2,6); x[0,2) is outside the
	// destination and keeps its original white pixels.
	for y := 0; y < 4; y++ {
		for x := 0; x < 8; x++ {
			want := uint16(0)
			if x < 6 {
				want = 0xFFFF
			}
			if got := s.fb.Pix[s.fb.PixOffset(x, y)]; got != want {
				t.Fatalf("host (%d,%d) = %#x, want %#x", x, y, got, want)
			}
		}
	}
}

func TestBlitSplitsAcrossSmallBuffers(t *testing.T) {
	const w, h = 300, 2
	sink := &fakeSink{}
	s := newTestSession(t, w, h, sink, &Options{BufferSize: 128, Reserve: 16})

	for i := range s.fb.Pix {
		s.fb.Pix[i] = uint16(i + 1)
	}
	if err := s.Blit(context.Background(), s.Bounds()); err != nil {
		t.Fatalf("blit: %v", err)
	}
	if len(sink.sent) < 4 {
		t.Fatalf("expected many small buffers, got %d", len(sink.sent))
	}
	dev := deviceFrame(t, w, h, sink.sent)
	for i, want := range s.fb.Pix {
		if dev[i] != want {
			t.Fatalf("device pixel %d = %#x, want %#x", i, dev[i], want)
		}
	}
}
