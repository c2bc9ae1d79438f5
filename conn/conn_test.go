package conn

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/espat-drv/espat/atproto"
	"github.com/espat-drv/espat/pipeline"
	"github.com/espat-drv/espat/transport/virtual"
)

func newTestManager(t *testing.T, size int) (*Manager, *virtual.Modem) {
	t.Helper()
	bus, modem := virtual.Pair()
	var mgr *Manager
	p := pipeline.New(bus, 4096, func(e pipeline.Event) {
		mgr.HandleEvent(e)
	}, nil, nil)
	mgr = NewManager(size, p, nil, nil)
	require.NoError(t, p.Start())
	t.Cleanup(p.Stop)
	return mgr, modem
}

func TestDialClaimsSlotOnSuccess(t *testing.T) {
	mgr, modem := newTestManager(t, 5)

	go func() {
		line, err := modem.ReadCommand()
		require.NoError(t, err)
		assert.Equal(t, `AT+CIPSTART=0,"TCP","example.com",80`, line)
		_, _ = modem.Write([]byte("OK\r\n"))
	}()

	result := mgr.Dial(0, TypeTCP, "example.com", 80, 0, nil)
	assert.Equal(t, atproto.ResultOK, result)

	c := mgr.Get(0)
	require.NotNil(t, c)
	c.mu.Lock()
	assert.True(t, c.Active)
	assert.True(t, c.Client)
	c.mu.Unlock()
}

func TestDialOutOfRangeSlotFails(t *testing.T) {
	mgr, _ := newTestManager(t, 2)
	result := mgr.Dial(5, TypeTCP, "x", 1, 0, nil)
	assert.Equal(t, atproto.ResultParamErr, result)
}

func TestServerAnnouncedConnectionBecomesActiveOnConnectEvent(t *testing.T) {
	mgr, modem := newTestManager(t, 5)

	var gotEvents []pipeline.Event
	done := make(chan struct{}, 1)
	require.NoError(t, mgr.SetCallback(1, func(c *Conn, e pipeline.Event) {
		gotEvents = append(gotEvents, e)
		if _, ok := e.(pipeline.ConnActive); ok {
			done <- struct{}{}
		}
	}, nil))

	_, _ = modem.Write([]byte("1,CONNECT\r\n"))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for ConnActive callback")
	}

	c := mgr.Get(1)
	c.mu.Lock()
	assert.True(t, c.Active)
	c.mu.Unlock()
}

func TestInboundDataAccumulatesOnConnection(t *testing.T) {
	mgr, modem := newTestManager(t, 5)

	recv := make(chan struct{}, 1)
	require.NoError(t, mgr.SetCallback(0, func(c *Conn, e pipeline.Event) {
		if _, ok := e.(pipeline.ConnDataRecv); ok {
			recv <- struct{}{}
		}
	}, nil))

	_, _ = modem.Write([]byte("+IPD,0,5:howdy"))

	select {
	case <-recv:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for ConnDataRecv")
	}

	c := mgr.Get(0)
	assert.Equal(t, "howdy", string(c.InboundBytes()))
	assert.Nil(t, c.InboundBytes()) // drained
}

func TestCloseReleasesSlotOnClosedEvent(t *testing.T) {
	mgr, modem := newTestManager(t, 5)

	go func() {
		line, err := modem.ReadCommand()
		require.NoError(t, err)
		assert.Equal(t, `AT+CIPSTART=0,"TCP","h",1`, line)
		_, _ = modem.Write([]byte("OK\r\n"))
	}()
	require.Equal(t, atproto.ResultOK, mgr.Dial(0, TypeTCP, "h", 1, 0, nil))

	go func() {
		line, err := modem.ReadCommand()
		require.NoError(t, err)
		assert.Equal(t, "AT+CIPCLOSE=0", line)
		_, _ = modem.Write([]byte("OK\r\n0,CLOSED\r\n"))
	}()

	result := mgr.Close(0)
	assert.Equal(t, atproto.ResultOK, result)

	// Give the consumer goroutine a moment to process the CLOSED event.
	for i := 0; i < 100; i++ {
		if !mgr.Get(0).Active {
			break
		}
		time.Sleep(time.Millisecond)
	}
	assert.False(t, mgr.Get(0).Active)
}

func TestWriteBuffersUntilFlush(t *testing.T) {
	mgr, modem := newTestManager(t, 5)

	sent := make(chan struct{}, 1)
	go func() {
		line, err := modem.ReadCommand()
		require.NoError(t, err)
		assert.Equal(t, "AT+CIPSEND=0,5", line)
		_, _ = modem.Write([]byte("> "))
		buf := make([]byte, 5)
		n := 0
		for n < 5 {
			m, err := modem.Read(buf[n:])
			require.NoError(t, err)
			n += m
		}
		assert.Equal(t, "howdy", string(buf))
		_, _ = modem.Write([]byte("\r\nSEND OK\r\n"))
		sent <- struct{}{}
	}()

	assert.Equal(t, atproto.ResultOK, mgr.Write(0, []byte("how")))
	assert.Equal(t, atproto.ResultOK, mgr.Write(0, []byte("dy")))
	assert.Equal(t, atproto.ResultOK, mgr.Flush(0))

	select {
	case <-sent:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for staged write to flush")
	}
}
