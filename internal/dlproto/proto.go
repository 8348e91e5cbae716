// Package dlproto implements the DisplayLink USB bulk command protocol:
// register writes, video-mode programming, and the hybrid raw/RLE pixel
// stream used to push framebuffer damage to the device.
//
// Every command starts with the sync byte 0xAF followed by an opcode.
// Device addresses are byte offsets into the controller's 24-bit frame
// memory, sent as the top three bytes of a 32-bit big-endian value. All
// pixel data is 16bpp RGB565 and is sent big-endian regardless of host
// byte order.
package dlproto

// SyncByte precedes every command and doubles as the no-op filler used to
// pad the unused tail of a command buffer.
const SyncByte byte = 0xAF

// Command opcodes.
const (
	OpRegister byte = 0x20 // write one control register: reg, value
	OpStripe   byte = 0x68 // raw pixel stripe: addr24, count, pixels
	OpHybrid8  byte = 0x69 // hybrid raw/RLE line write, 8bpp segment
	OpHybrid16 byte = 0x6B // hybrid raw/RLE line write, 16bpp segment
	OpCopy     byte = 0x6A // device-to-device copy: dst24, count, src24
	OpCommit   byte = 0xA0 // flush/commit marker, no payload
)

const (
	// BytesPerPixel is fixed by the protocol: 16bpp RGB565.
	BytesPerPixel = 2

	// MaxCommandPixels is the most pixels a single command may carry,
	// regardless of compression ratio. The hardware reads a count byte of
	// 0 as 256.
	MaxCommandPixels = 256

	// MinCommandBytes is the smallest useful hybrid command: sync, opcode,
	// 3 address bytes, command pixel count, raw span count, one 2-byte
	// pixel. The encoder refuses to open a command with less space free.
	MinCommandBytes = 9

	// MaxStripePixels bounds a raw 0x68 stripe; its count byte is literal.
	MaxStripePixels = 255

	// AddressSpace is the size of the controller's addressable frame
	// memory (3 address bytes on the wire).
	AddressSpace = 1 << 24
)

// stripeHeaderBytes is sync, opcode, 3 address bytes, count.
const stripeHeaderBytes = 6

// copyCommandBytes is sync, opcode, dst24, count, src24.
const copyCommandBytes = 9
