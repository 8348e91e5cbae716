// Package transport moves filled command buffers to the display
// controller. The blit session depends only on the Sink interface; the
// USB implementation lives in this package because the DisplayLink
// controller is a USB bulk device, but tests substitute in-memory fakes.
package transport

import (
	"context"
	"errors"
)

// Sink delivers one filled command buffer to the device. Send blocks
// until the transfer completes, fails, or the context deadline expires;
// a deadline expiry cancels the in-flight transfer and fails that buffer
// only. Buffers must be sent in the order they were filled; callers
// serialize.
type Sink interface {
	Send(ctx context.Context, p []byte) error
}

var (
	// ErrTimeout reports that a send did not complete within its
	// deadline. The buffer was not (fully) delivered.
	ErrTimeout = errors.New("transport: send timed out")

	// ErrDeviceGone reports that the device detached. No further sends
	// can succeed.
	ErrDeviceGone = errors.New("transport: device gone")
)
