package espat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/espat-drv/espat/config"
	"github.com/espat-drv/espat/transport/virtual"
)

func TestInitSequenceSendsExpectedCommands(t *testing.T) {
	bus, modem := virtual.Pair()
	d := New(bus, config.Default(), nil, nil)
	require.NoError(t, d.Start())
	t.Cleanup(d.Stop)

	expected := []string{
		"AT+RST",
		"AT+CWMODE_CUR=1",
		"AT+CIPMUX=1",
		"AT+CIPDINFO=1",
		"AT+CIPSTATUS",
	}

	done := make(chan error, 1)
	go func() { done <- d.Init(true) }()

	for _, want := range expected {
		line, err := modem.ReadCommand()
		require.NoError(t, err)
		assert.Equal(t, want, line)
		_, _ = modem.Write([]byte("OK\r\n"))
	}

	require.NoError(t, <-done)
}

func TestStationJoinSendsCWJAP(t *testing.T) {
	bus, modem := virtual.Pair()
	d := New(bus, config.Default(), nil, nil)
	require.NoError(t, d.Start())
	t.Cleanup(d.Stop)

	go func() {
		line, err := modem.ReadCommand()
		require.NoError(t, err)
		assert.Equal(t, `AT+CWJAP_CUR="home","hunter2"`, line)
		_, _ = modem.Write([]byte("OK\r\n"))
	}()

	require.NoError(t, d.StationJoin("home", "hunter2", false))
}

func TestToErrorMapsResultsBothWays(t *testing.T) {
	assert.Nil(t, toError(0)) // atproto.ResultOK
	err := toError(4)         // atproto.ResultTimeout
	require.Error(t, err)
	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, ResultTimeout, e.Result)
}
