// Command espat brings up a modem over a real serial port, joins a Wi-Fi
// network and serves a directory over HTTP, demonstrating the driver's
// public API.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/espat-drv/espat"
	"github.com/espat-drv/espat/config"
	"github.com/espat-drv/espat/httpd"
	"github.com/espat-drv/espat/metrics"
	"github.com/espat-drv/espat/transport/serial"
)

func main() {
	logrus.SetLevel(logrus.InfoLevel)

	device := flag.String("d", "/dev/ttyUSB0", "UART device path")
	baud := flag.Int("b", 115200, "UART baud rate")
	ssid := flag.String("ssid", "", "Wi-Fi SSID to join")
	password := flag.String("password", "", "Wi-Fi password")
	docRoot := flag.String("docroot", ".", "directory to serve over HTTP")
	httpPort := flag.Int("port", 80, "TCP port to serve HTTP on")
	arenaKB := flag.Int("arena-kb", 0, "fixed-region allocator size in KB (0 uses the Go heap)")
	verbose := flag.Bool("v", false, "enable debug logging")
	flag.Parse()

	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	cfg := config.Default()
	cfg.UART.Device = *device
	cfg.UART.BaudRate = *baud
	cfg.HTTP.DocRoot = *docRoot
	cfg.MemArenaBytes = *arenaKB * 1024

	tr := serial.New(cfg.UART.Device, cfg.UART.BaudRate, cfg.UART.ReadTimeout)
	m := metrics.NewAndRegister(prometheus.DefaultRegisterer)

	d := espat.New(tr, cfg, nil, m)
	if err := d.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to start transport: %v\n", err)
		os.Exit(1)
	}
	defer d.Stop()

	if err := d.Init(true); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize modem: %v\n", err)
		os.Exit(1)
	}

	if *ssid != "" {
		if err := d.StationJoin(*ssid, *password, false); err != nil {
			fmt.Fprintf(os.Stderr, "failed to join %q: %v\n", *ssid, err)
			os.Exit(1)
		}
		logrus.Infof("joined %q", *ssid)
	}

	provider := httpd.DirProvider{Root: cfg.HTTP.DocRoot}
	d.RunHTTPServer(cfg.HTTP, provider, nil, httpd.Hooks{})

	if err := d.Listen(*httpPort); err != nil {
		fmt.Fprintf(os.Stderr, "failed to listen on port %d: %v\n", *httpPort, err)
		os.Exit(1)
	}

	logrus.Infof("serving %s on port %d", cfg.HTTP.DocRoot, *httpPort)
	select {}
}
