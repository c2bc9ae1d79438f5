// Package config loads the driver's startup tuning knobs from an INI file,
// layering typed accessors over gopkg.in/ini.v1.
package config

import (
	"time"

	"gopkg.in/ini.v1"
)

// Config holds everything needed to stand up a Driver without touching the
// modem: transport tuning, pipeline timeouts, connection table sizing and
// HTTP server file-serving defaults. It deliberately carries no persisted
// driver *state* — only values that would otherwise be compiled-in
// constants.
type Config struct {
	UART struct {
		Device      string
		BaudRate    int
		ReadTimeout time.Duration
	}
	Timeouts struct {
		Default  time.Duration
		CIPStart time.Duration
		PerByte  time.Duration // per-payload-byte CIPSEND allowance; conn does not read it (its CIPSEND timeout comes from its own constants)
	}
	MaxConnections int
	RingBufferSize int
	// MemArenaBytes sizes a single fixed-region mem.Arena backing the
	// driver's +IPD payload and outbound staging allocations. Zero (the
	// default) runs on mem.Heap{} instead, the common choice off the
	// embedded target this AT dialect was designed for.
	MemArenaBytes int
	HTTP          HTTPConfig
}

// HTTPConfig holds the URI resolution tables as operator-tunable values
// instead of compile-time constants.
type HTTPConfig struct {
	DocRoot       string
	IndexFiles    []string
	NotFoundFiles []string
	SSITagStart   string
	SSITagEnd     string
	SSIExtensions []string
	MaxURILen     int
	MaxParams     int
	EnablePOST    bool
}

// Default returns the out-of-the-box configuration: default timeouts and
// filename tables for the modem's stock firmware.
func Default() *Config {
	c := &Config{
		MaxConnections: 5,
		RingBufferSize: 2048,
	}
	c.UART.Device = "/dev/ttyUSB0"
	c.UART.BaudRate = 115200
	c.UART.ReadTimeout = 100 * time.Millisecond
	c.Timeouts.Default = 60 * time.Second
	c.Timeouts.CIPStart = 180 * time.Second
	c.Timeouts.PerByte = time.Millisecond
	c.HTTP = HTTPConfig{
		DocRoot:       "/",
		IndexFiles:    []string{"/index.shtml", "/index.shtm", "/index.ssi", "/index.html", "/index.htm"},
		NotFoundFiles: []string{"/404.shtml", "/404.shtm", "/404.ssi", "/404.html", "/404.htm"},
		SSITagStart:   "<!--#",
		SSITagEnd:     "-->",
		SSIExtensions: []string{".shtml", ".shtm", ".ssi"},
		MaxURILen:     128,
		MaxParams:     16,
		EnablePOST:    true,
	}
	return c
}

// Load reads a Config from an INI file, falling back to Default() for any
// key not present.
func Load(path string) (*Config, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, err
	}
	return FromFile(f), nil
}

// FromFile populates a Config from an already-parsed *ini.File, separating
// "read from disk" from "build from an object already in memory" (useful
// for tests that build an *ini.File in place instead of writing a temp
// file).
func FromFile(f *ini.File) *Config {
	c := Default()

	uart := f.Section("uart")
	c.UART.Device = uart.Key("device").MustString(c.UART.Device)
	c.UART.BaudRate = uart.Key("baud_rate").MustInt(c.UART.BaudRate)
	c.UART.ReadTimeout = time.Duration(uart.Key("read_timeout_ms").MustInt64(int64(c.UART.ReadTimeout/time.Millisecond))) * time.Millisecond

	timeouts := f.Section("timeouts")
	c.Timeouts.Default = time.Duration(timeouts.Key("default_ms").MustInt64(int64(c.Timeouts.Default/time.Millisecond))) * time.Millisecond
	c.Timeouts.CIPStart = time.Duration(timeouts.Key("cipstart_ms").MustInt64(int64(c.Timeouts.CIPStart/time.Millisecond))) * time.Millisecond

	conn := f.Section("connections")
	c.MaxConnections = conn.Key("max").MustInt(c.MaxConnections)
	c.RingBufferSize = conn.Key("ring_buffer_bytes").MustInt(c.RingBufferSize)

	mem := f.Section("memory")
	c.MemArenaBytes = mem.Key("arena_bytes").MustInt(c.MemArenaBytes)

	http := f.Section("http")
	c.HTTP.DocRoot = http.Key("doc_root").MustString(c.HTTP.DocRoot)
	c.HTTP.EnablePOST = http.Key("enable_post").MustBool(c.HTTP.EnablePOST)
	if ids := http.Key("index_files").Strings(","); len(ids) > 0 {
		c.HTTP.IndexFiles = ids
	}
	if nf := http.Key("not_found_files").Strings(","); len(nf) > 0 {
		c.HTTP.NotFoundFiles = nf
	}

	return c
}
