package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/espat-drv/espat/atproto"
	"github.com/espat-drv/espat/transport/virtual"
)

func newTestPipeline(t *testing.T, events chan<- Event) (*Pipeline, *virtual.Modem) {
	t.Helper()
	bus, modem := virtual.Pair()
	p := New(bus, 4096, func(e Event) {
		if events != nil {
			events <- e
		}
	}, nil, nil)
	require.NoError(t, p.Start())
	t.Cleanup(p.Stop)
	return p, modem
}

func TestCommandSerializationWaitsForTerminal(t *testing.T) {
	p, modem := newTestPipeline(t, nil)

	msg := atproto.NewBlocking(atproto.CmdWifiQuit, atproto.Params{}, time.Second)
	go func() {
		line, err := modem.ReadCommand()
		require.NoError(t, err)
		assert.Equal(t, "AT+CWQAP", line)
		_, _ = modem.Write([]byte("OK\r\n"))
	}()

	result := p.SendBlocking(msg)
	assert.Equal(t, atproto.ResultOK, result)
}

func TestCommandTimesOutWhenModemSilent(t *testing.T) {
	p, modem := newTestPipeline(t, nil)

	msg := atproto.NewBlocking(atproto.CmdWifiQuit, atproto.Params{}, 20*time.Millisecond)
	// The modem reads the command line but never answers it.
	go func() { _, _ = modem.ReadCommand() }()
	result := p.SendBlocking(msg)
	assert.Equal(t, atproto.ResultTimeout, result)
}

func TestCIPSendWaitsForPromptThenSendsPayload(t *testing.T) {
	p, modem := newTestPipeline(t, nil)

	payload := []byte("hello world")
	msg := atproto.NewBlocking(atproto.CmdCIPSend, atproto.Params{ConnID: 0, Data: payload}, time.Second)

	go func() {
		line, err := modem.ReadCommand()
		require.NoError(t, err)
		assert.Equal(t, "AT+CIPSEND=0,11", line)
		_, _ = modem.Write([]byte("> "))

		buf := make([]byte, len(payload))
		n := 0
		for n < len(buf) {
			m, err := modem.Read(buf[n:])
			if err != nil {
				break
			}
			n += m
		}
		assert.Equal(t, payload, buf[:n])
		_, _ = modem.Write([]byte("\r\nSEND OK\r\n"))
	}()

	result := p.SendBlocking(msg)
	assert.Equal(t, atproto.ResultOK, result)
}

func TestIPDFrameDeliveredAsConnDataRecvEvent(t *testing.T) {
	events := make(chan Event, 8)
	_, modem := newTestPipeline(t, events)

	_, _ = modem.Write([]byte("+IPD,3,5:howdy"))

	select {
	case e := <-events:
		recv, ok := e.(ConnDataRecv)
		require.True(t, ok, "expected ConnDataRecv, got %T", e)
		assert.Equal(t, 3, recv.ConnID)
		assert.Equal(t, "howdy", string(recv.Data))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for ConnDataRecv event")
	}
}

func TestConnectAndClosedUnsolicitedEvents(t *testing.T) {
	events := make(chan Event, 8)
	_, modem := newTestPipeline(t, events)

	_, _ = modem.Write([]byte("2,CONNECT\r\n2,CLOSED\r\n"))

	var got []Event
	for i := 0; i < 2; i++ {
		select {
		case e := <-events:
			got = append(got, e)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}

	require.Len(t, got, 2)
	active, ok := got[0].(ConnActive)
	require.True(t, ok)
	assert.Equal(t, 2, active.ConnID)

	closed, ok := got[1].(ConnClosed)
	require.True(t, ok)
	assert.Equal(t, 2, closed.ConnID)
}

func TestWifiEventsDispatched(t *testing.T) {
	events := make(chan Event, 8)
	_, modem := newTestPipeline(t, events)

	_, _ = modem.Write([]byte("WIFI CONNECTED\r\nWIFI GOT IP\r\n"))

	select {
	case e := <-events:
		_, ok := e.(WifiConnected)
		assert.True(t, ok, "expected WifiConnected, got %T", e)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for WifiConnected")
	}

	select {
	case e := <-events:
		_, ok := e.(WifiGotIP)
		assert.True(t, ok, "expected WifiGotIP, got %T", e)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for WifiGotIP")
	}
}

func TestStateLinesAttachedToMatchingCommandOnly(t *testing.T) {
	p, modem := newTestPipeline(t, nil)

	msg := atproto.NewBlocking(atproto.CmdWifiJoin, atproto.Params{SSID: "net", Password: "pw"}, time.Second)
	go func() {
		_, err := modem.ReadCommand()
		require.NoError(t, err)
		_, _ = modem.Write([]byte("+CWJAP:\"net\",\"aa:bb:cc:dd:ee:ff\",6,-45\r\nOK\r\n"))
	}()

	result := p.SendBlocking(msg)
	assert.Equal(t, atproto.ResultOK, result)
	require.Len(t, msg.Info(), 1)
	assert.Contains(t, msg.Info()[0], "+CWJAP:")
}

func TestNonBlockingFinalizerRunsOnConsumerGoroutine(t *testing.T) {
	p, modem := newTestPipeline(t, nil)

	done := make(chan atproto.Result, 1)
	msg := atproto.NewNonBlocking(atproto.CmdWifiQuit, atproto.Params{}, time.Second, func(m *atproto.Message) {
		done <- m.Result
	})

	go func() {
		_, err := modem.ReadCommand()
		require.NoError(t, err)
		_, _ = modem.Write([]byte("OK\r\n"))
	}()

	require.Equal(t, atproto.ResultOK, p.Enqueue(msg))

	select {
	case r := <-done:
		assert.Equal(t, atproto.ResultOK, r)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for finalizer")
	}
}
