package dlproto

import (
	"encoding/binary"
	"fmt"
)

// Span describes one span inside a decoded hybrid command.
type Span struct {
	RLE   bool
	Count int // pixels covered; count bytes of 0 decode as 256
}

// Command is one decoded protocol unit. Which fields are meaningful
// depends on Op.
type Command struct {
	Op byte

	Reg, Val byte // register write

	Addr    uint32   // stripe / hybrid / copy destination
	SrcAddr uint32   // copy source
	Count   int      // copy pixel count
	Pixels  []uint16 // stripe / hybrid payload, fully expanded
	Spans   []Span   // hybrid span structure
}

// Decode parses a full command buffer back into commands, expanding hybrid
// raw/RLE payloads to their pixel sequences. Trailing no-op padding (runs
// of the sync byte) is consumed silently. It exists for tests, the preview
// surface and debugging; the device side never needs it.
func Decode(stream []byte) ([]Command, error) {
	var cmds []Command
	i := 0
	for i < len(stream) {
		if stream[i] != SyncByte {
			return cmds, fmt.Errorf("dlproto: expected sync byte at offset %d, got %#02x", i, stream[i])
		}
		if i+1 == len(stream) {
			// A lone trailing sync byte is padding.
			return cmds, nil
		}
		op := stream[i+1]
		i += 2

		switch op {
		case SyncByte:
			// Padding runs to the end of the buffer.
			for ; i < len(stream); i++ {
				if stream[i] != SyncByte {
					return cmds, fmt.Errorf("dlproto: byte %#02x inside padding at offset %d", stream[i], i)
				}
			}
			return cmds, nil

		case OpCommit:
			cmds = append(cmds, Command{Op: op})

		case OpRegister:
			if len(stream)-i < 2 {
				return cmds, fmt.Errorf("dlproto: truncated register command at offset %d", i)
			}
			cmds = append(cmds, Command{Op: op, Reg: stream[i], Val: stream[i+1]})
			i += 2

		case OpStripe:
			if len(stream)-i < 4 {
				return cmds, fmt.Errorf("dlproto: truncated stripe header at offset %d", i)
			}
			addr := addr24(stream[i:])
			count := int(stream[i+3])
			i += 4
			if len(stream)-i < count*BytesPerPixel {
				return cmds, fmt.Errorf("dlproto: truncated stripe payload at offset %d", i)
			}
			pix := make([]uint16, count)
			for j := range pix {
				pix[j] = binary.BigEndian.Uint16(stream[i+j*2:])
			}
			i += count * BytesPerPixel
			cmds = append(cmds, Command{Op: op, Addr: addr, Pixels: pix})

		case OpCopy:
			if len(stream)-i < 7 {
				return cmds, fmt.Errorf("dlproto: truncated copy command at offset %d", i)
			}
			cmds = append(cmds, Command{
				Op:      op,
				Addr:    addr24(stream[i:]),
				Count:   int(stream[i+3]),
				SrcAddr: addr24(stream[i+4:]),
			})
			i += 7

		case OpHybrid8, OpHybrid16:
			cmd, n, err := decodeHybrid(op, stream[i:])
			if err != nil {
				return cmds, fmt.Errorf("dlproto: offset %d: %w", i, err)
			}
			i += n
			cmds = append(cmds, cmd)

		default:
			return cmds, fmt.Errorf("dlproto: unknown opcode %#02x at offset %d", op, i-1)
		}
	}
	return cmds, nil
}

func decodeHybrid(op byte, b []byte) (Command, int, error) {
	if len(b) < 4 {
		return Command{}, 0, fmt.Errorf("truncated hybrid header")
	}
	cmd := Command{Op: op, Addr: addr24(b)}
	declared := int(b[3])
	if declared == 0 {
		declared = MaxCommandPixels
	}
	i := 4

	raw := true
	for len(cmd.Pixels) < declared {
		if i >= len(b) {
			return cmd, i, fmt.Errorf("hybrid command ends %d pixels short of %d", declared-len(cmd.Pixels), declared)
		}
		if raw {
			count := int(b[i])
			if count == 0 {
				count = MaxCommandPixels
			}
			i++
			if count > declared-len(cmd.Pixels) {
				return cmd, i, fmt.Errorf("raw span count %d invalid with %d pixels outstanding", count, declared-len(cmd.Pixels))
			}
			if len(b)-i < count*BytesPerPixel {
				return cmd, i, fmt.Errorf("truncated raw span payload")
			}
			for j := 0; j < count; j++ {
				cmd.Pixels = append(cmd.Pixels, binary.BigEndian.Uint16(b[i:]))
				i += 2
			}
			cmd.Spans = append(cmd.Spans, Span{Count: count})
		} else {
			// An RLE span repeats the last pixel of the raw span before it.
			repeat := int(b[i])
			if repeat == 0 {
				repeat = MaxCommandPixels
			}
			i++
			if repeat > declared-len(cmd.Pixels) {
				return cmd, i, fmt.Errorf("rle repeat count %d invalid with %d pixels outstanding", repeat, declared-len(cmd.Pixels))
			}
			v := cmd.Pixels[len(cmd.Pixels)-1]
			for j := 0; j < repeat; j++ {
				cmd.Pixels = append(cmd.Pixels, v)
			}
			cmd.Spans = append(cmd.Spans, Span{RLE: true, Count: repeat})
		}
		raw = !raw
	}
	return cmd, i, nil
}

func addr24(b []byte) uint32 {
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}
