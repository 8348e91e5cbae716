package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/gousb"
)

// DisplayLink vendor and the device this driver was written against.
const (
	DefaultVendorID  = 0x17E9
	DefaultProductID = 0x0141
)

// Vendor control requests.
const (
	reqI2CSubIO = 0x02 // EDID byte reads over the controller's I2C
	reqChannel  = 0x12 // communication channel selection

	edidAddr = 0xA1 // DDC read address

	// EDIDLength is one EDID base block.
	EDIDLength = 128

	bulkOutEndpoint = 1
)

// USBSink drives the controller's bulk-out pipe and the vendor control
// requests needed for setup. It implements Sink.
type USBSink struct {
	usbctx *gousb.Context
	dev    *gousb.Device
	intf   *gousb.Interface
	done   func()
	out    *gousb.OutEndpoint
}

// OpenUSB finds the first device matching vid:pid, claims its default
// interface and prepares the bulk-out endpoint.
func OpenUSB(vid, pid uint16) (*USBSink, error) {
	usbctx := gousb.NewContext()

	dev, err := usbctx.OpenDeviceWithVIDPID(gousb.ID(vid), gousb.ID(pid))
	if err != nil {
		usbctx.Close()
		return nil, fmt.Errorf("transport: open %04x:%04x: %w", vid, pid, err)
	}
	if dev == nil {
		usbctx.Close()
		return nil, fmt.Errorf("transport: no device %04x:%04x attached", vid, pid)
	}

	intf, done, err := dev.DefaultInterface()
	if err != nil {
		dev.Close()
		usbctx.Close()
		return nil, fmt.Errorf("transport: claim interface: %w", err)
	}

	out, err := intf.OutEndpoint(bulkOutEndpoint)
	if err != nil {
		done()
		dev.Close()
		usbctx.Close()
		return nil, fmt.Errorf("transport: bulk-out endpoint %d: %w", bulkOutEndpoint, err)
	}

	return &USBSink{usbctx: usbctx, dev: dev, intf: intf, done: done, out: out}, nil
}

// Send writes the buffer to the bulk-out pipe, blocking until completion
// or the context deadline.
func (u *USBSink) Send(ctx context.Context, p []byte) error {
	n, err := u.out.WriteContext(ctx, p)
	if err != nil {
		return fmt.Errorf("transport: bulk write after %d/%d bytes: %w", n, len(p), mapUSBError(err))
	}
	if n != len(p) {
		return fmt.Errorf("transport: short bulk write %d/%d bytes", n, len(p))
	}
	return nil
}

// SelectStdChannel switches the controller to the standard communication
// channel. Required once before any bulk traffic.
func (u *USBSink) SelectStdChannel(payload []byte) error {
	_, err := u.dev.Control(
		gousb.ControlOut|gousb.ControlVendor|gousb.ControlDevice,
		reqChannel, 0, 0, payload)
	if err != nil {
		return fmt.Errorf("transport: channel select: %w", mapUSBError(err))
	}
	return nil
}

// ReadEDID extracts the monitor's EDID base block one byte at a time via
// I2C sub-IO control requests.
func (u *USBSink) ReadEDID() ([]byte, error) {
	edid := make([]byte, EDIDLength)
	rbuf := make([]byte, 2)
	for i := range edid {
		_, err := u.dev.Control(
			gousb.ControlIn|gousb.ControlVendor|gousb.ControlDevice,
			reqI2CSubIO, uint16(i)<<8, edidAddr, rbuf)
		if err != nil {
			return nil, fmt.Errorf("transport: edid byte %d: %w", i, mapUSBError(err))
		}
		edid[i] = rbuf[1]
	}
	return edid, nil
}

// Close releases the interface and device. Pending sends fail.
func (u *USBSink) Close() error {
	if u.done != nil {
		u.done()
		u.done = nil
	}
	var errs []error
	if u.dev != nil {
		errs = append(errs, u.dev.Close())
		u.dev = nil
	}
	if u.usbctx != nil {
		errs = append(errs, u.usbctx.Close())
		u.usbctx = nil
	}
	return errors.Join(errs...)
}

func mapUSBError(err error) error {
	switch {
	case errors.Is(err, gousb.ErrorTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	case errors.Is(err, gousb.ErrorNoDevice),
		errors.Is(err, gousb.ErrorNotFound),
		errors.Is(err, gousb.ErrorPipe):
		return fmt.Errorf("%w: %v", ErrDeviceGone, err)
	default:
		return err
	}
}
