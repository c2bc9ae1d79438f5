// Package transport defines the UART link contract the core drives: send
// bytes, and push callback for bytes received.
package transport

import "errors"

// ErrNotConnected is returned by Send when called before Connect succeeds.
var ErrNotConnected = errors.New("transport: not connected")

// Transport is the physical-link contract the pipeline drives. Connect
// opens the underlying device; Send blocks until the bytes have been
// handed to the link; Subscribe registers the push callback invoked with
// every chunk of received bytes, which may run on a different goroutine
// than the caller (it can be interrupt context on real hardware).
type Transport interface {
	Connect() error
	Send(data []byte) (int, error)
	Subscribe(onReceive func(data []byte))
	Close() error
}
