// Package virtual provides an in-memory transport.Transport for tests,
// built on a net.Pipe loopback since a modem transport only ever has one
// peer.
package virtual

import (
	"io"
	"net"
	"sync"

	"github.com/espat-drv/espat/transport"
)

// Pair creates two connected transports: Modem (what test code drives to
// emulate the modem's responses) and driver-facing Bus (what the pipeline
// under test connects to).
func Pair() (bus *Bus, modem *Modem) {
	a, b := net.Pipe()
	bus = &Bus{conn: a}
	modem = &Modem{conn: b}
	return bus, modem
}

// Bus is the transport.Transport side handed to the driver under test.
type Bus struct {
	mu       sync.Mutex
	conn     net.Conn
	onRecv   func([]byte)
	stopOnce sync.Once
	stop     chan struct{}
}

var _ transport.Transport = (*Bus)(nil)

func (b *Bus) Connect() error {
	b.stop = make(chan struct{})
	return nil
}

func (b *Bus) Send(data []byte) (int, error) {
	return b.conn.Write(data)
}

func (b *Bus) Subscribe(onReceive func([]byte)) {
	b.mu.Lock()
	b.onRecv = onReceive
	b.mu.Unlock()
	go b.readLoop()
}

func (b *Bus) readLoop() {
	buf := make([]byte, 4096)
	for {
		n, err := b.conn.Read(buf)
		if n > 0 {
			b.mu.Lock()
			cb := b.onRecv
			b.mu.Unlock()
			if cb != nil {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				cb(chunk)
			}
		}
		if err != nil {
			return
		}
	}
}

func (b *Bus) Close() error {
	return b.conn.Close()
}

// Modem is the test-side handle used to script modem behaviour: write
// raw bytes that the driver will receive, and read the AT commands the
// driver sends.
type Modem struct {
	conn net.Conn
}

func (m *Modem) Write(data []byte) (int, error) { return m.conn.Write(data) }

// Read drains raw bytes sent by the driver, e.g. a CIPSEND payload after
// the "> " prompt. Use ReadCommand instead when the next bytes are a
// CRLF-terminated AT command line.
func (m *Modem) Read(buf []byte) (int, error) { return m.conn.Read(buf) }

// ReadCommand reads a single CRLF-terminated line sent by the driver.
func (m *Modem) ReadCommand() (string, error) {
	var line []byte
	buf := make([]byte, 1)
	for {
		n, err := m.conn.Read(buf)
		if n == 1 {
			line = append(line, buf[0])
			if len(line) >= 2 && line[len(line)-2] == '\r' && line[len(line)-1] == '\n' {
				return string(line[:len(line)-2]), nil
			}
		}
		if err != nil {
			if err == io.EOF {
				return string(line), err
			}
			return string(line), err
		}
	}
}

func (m *Modem) Close() error { return m.conn.Close() }
