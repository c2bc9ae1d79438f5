// Package serial is the real-hardware transport.Transport backend: an 8N1
// UART with no flow control, opened and configured through
// github.com/daedaluz/goserial, the way bus_manager.go's root-package
// sibling wrapped a hardware bus behind the same Bus interface used for
// testing.
package serial

import (
	"io"
	"sync"
	"time"

	goserial "github.com/daedaluz/goserial"
	"github.com/sirupsen/logrus"

	"github.com/espat-drv/espat/transport"
)

var log = logrus.WithField("component", "transport.serial")

// baudToCFlag maps the handful of rates the ESP8266 AT firmware actually
// uses to the termios CFlag constants goserial expects.
var baudToCFlag = map[int]goserial.CFlag{
	9600:    goserial.B9600,
	57600:   goserial.B57600,
	115200:  goserial.B115200,
	230400:  goserial.B230400,
	460800:  goserial.B460800,
	921600:  goserial.B921600,
	1500000: goserial.B1500000,
}

// Serial drives a real UART device. It satisfies transport.Transport.
type Serial struct {
	device      string
	baud        int
	readTimeout time.Duration

	mu   sync.Mutex
	port *goserial.Port

	closeOnce sync.Once
	done      chan struct{}
}

var _ transport.Transport = (*Serial)(nil)

// New builds a Serial transport for the given device path and baud rate.
// Connect() performs the actual open.
func New(device string, baud int, readTimeout time.Duration) *Serial {
	return &Serial{device: device, baud: baud, readTimeout: readTimeout}
}

// Connect opens the device and puts it into raw 8N1 mode with no flow
// control.
func (s *Serial) Connect() error {
	opts := goserial.NewOptions()
	opts.SetReadTimeout(s.readTimeout)
	port, err := goserial.Open(s.device, opts)
	if err != nil {
		return err
	}
	if err := port.MakeRaw(); err != nil {
		port.Close()
		return err
	}
	attrs, err := port.GetAttr()
	if err != nil {
		port.Close()
		return err
	}
	cflag, ok := baudToCFlag[s.baud]
	if !ok {
		cflag = goserial.B115200
		log.Warnf("unsupported baud rate %d, falling back to 115200", s.baud)
	}
	attrs.SetSpeed(cflag)
	attrs.Cflag &^= goserial.PARENB | goserial.CSTOPB | goserial.CSIZE
	attrs.Cflag |= goserial.CS8
	attrs.Cflag &^= goserial.CRTSCTS
	if err := port.SetAttr(goserial.TCSANOW, attrs); err != nil {
		port.Close()
		return err
	}

	s.mu.Lock()
	s.port = port
	s.done = make(chan struct{})
	s.mu.Unlock()
	log.Infof("opened %s at %d baud", s.device, s.baud)
	return nil
}

// Send blocks until data has been written to the port.
func (s *Serial) Send(data []byte) (int, error) {
	s.mu.Lock()
	port := s.port
	s.mu.Unlock()
	if port == nil {
		return 0, transport.ErrNotConnected
	}
	return port.Write(data)
}

// Subscribe starts a goroutine that reads the port in a loop and invokes
// onReceive with every chunk read; on the real board this would instead be
// the UART receive ISR pushing bytes directly, but an OS-thread reader
// fills the same role under a pre-emptive-thread concurrency model.
func (s *Serial) Subscribe(onReceive func([]byte)) {
	s.mu.Lock()
	port := s.port
	done := s.done
	s.mu.Unlock()
	if port == nil {
		return
	}
	go func() {
		buf := make([]byte, 512)
		for {
			select {
			case <-done:
				return
			default:
			}
			n, err := port.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				onReceive(chunk)
			}
			if err != nil && err != io.EOF {
				log.WithError(err).Warn("serial read error")
				return
			}
		}
	}()
}

// Close releases the underlying file descriptor.
func (s *Serial) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.done != nil {
			close(s.done)
		}
		if s.port != nil {
			err = s.port.Close()
		}
	})
	return err
}
