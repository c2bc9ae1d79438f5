package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"gopkg.in/ini.v1"
)

func TestDefaultConfigHasFiveIndexFiles(t *testing.T) {
	c := Default()
	assert.Len(t, c.HTTP.IndexFiles, 5)
	assert.Equal(t, "/index.shtml", c.HTTP.IndexFiles[0])
}

func TestFromFileOverridesDefaults(t *testing.T) {
	f := ini.Empty()
	sec, _ := f.NewSection("uart")
	sec.NewKey("device", "/dev/ttyS1")
	sec.NewKey("baud_rate", "921600")
	conn, _ := f.NewSection("connections")
	conn.NewKey("max", "3")

	c := FromFile(f)
	assert.Equal(t, "/dev/ttyS1", c.UART.Device)
	assert.Equal(t, 921600, c.UART.BaudRate)
	assert.Equal(t, 3, c.MaxConnections)
}
