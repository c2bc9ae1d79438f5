// Package espat is the public driver facade: an explicit handle wrapping
// the transport, command/event pipeline, connection table and optional
// HTTP server, rather than package-level globals.
package espat

import (
	"github.com/sirupsen/logrus"

	"github.com/espat-drv/espat/atproto"
	"github.com/espat-drv/espat/config"
	"github.com/espat-drv/espat/conn"
	"github.com/espat-drv/espat/httpd"
	"github.com/espat-drv/espat/mem"
	"github.com/espat-drv/espat/metrics"
	"github.com/espat-drv/espat/pipeline"
	"github.com/espat-drv/espat/transport"
)

var log = logrus.WithField("component", "espat")

// Driver is the top-level handle: New wires up a Transport and
// *config.Config into a Pipeline and Conn manager, which Start runs.
type Driver struct {
	cfg     *config.Config
	pipe    *pipeline.Pipeline
	conns   *conn.Manager
	metrics *metrics.Metrics
	httpSrv *httpd.Server
}

// New builds a Driver over tr using cfg (config.Default() if cfg is nil).
// The dispatch func receives asynchronous events not otherwise claimed by
// the connection manager (wifi status, init-finish); pass nil to ignore
// them.
func New(tr transport.Transport, cfg *config.Config, dispatch pipeline.Dispatcher, m *metrics.Metrics) *Driver {
	if cfg == nil {
		cfg = config.Default()
	}
	d := &Driver{cfg: cfg, metrics: m}

	var alloc mem.Allocator = mem.Heap{}
	if cfg.MemArenaBytes > 0 {
		alloc = mem.NewArena(make([]byte, cfg.MemArenaBytes))
	}

	d.pipe = pipeline.New(tr, cfg.RingBufferSize, func(e pipeline.Event) {
		d.conns.HandleEvent(e)
		if dispatch != nil {
			dispatch(e)
		}
	}, m, alloc)
	d.conns = conn.NewManager(cfg.MaxConnections, d.pipe, m, alloc)
	return d
}

// Start connects the transport and brings the pipeline up. Callers should
// follow Start with Init to bring the modem to a known state (RST ->
// CWMODE_CUR -> CIPMUX -> CIPDINFO sequence).
func (d *Driver) Start() error {
	if err := d.pipe.Start(); err != nil {
		return err
	}
	d.conns.Start()
	return nil
}

// Stop tears the pipeline (and the HTTP server's event delivery) down.
func (d *Driver) Stop() {
	d.conns.Stop()
	d.pipe.Stop()
}

// Conns exposes the connection manager for direct use (Dial/Close/
// Send/Write), e.g. by a user-level TCP client built on top of the
// driver.
func (d *Driver) Conns() *conn.Manager { return d.conns }

// Init runs the modem bring-up sequence: RST, CWMODE_CUR, CIPMUX,
// CIPDINFO, CIPSTATUS.
func (d *Driver) Init(station bool) error {
	log.Info("resetting modem")
	if err := toError(d.pipe.SendBlocking(atproto.NewBlocking(atproto.CmdReset, atproto.Params{}, d.cfg.Timeouts.Default))); err != nil {
		return err
	}

	mode := 2 // softAP
	if station {
		mode = 1
	}
	if err := toError(d.pipe.SendBlocking(atproto.NewBlocking(atproto.CmdWifiMode,
		atproto.Params{Mode: mode}, d.cfg.Timeouts.Default))); err != nil {
		return err
	}

	if err := toError(d.pipe.SendBlocking(atproto.NewBlocking(atproto.CmdCIPMux,
		atproto.Params{MuxEnable: true}, d.cfg.Timeouts.Default))); err != nil {
		return err
	}

	if err := toError(d.pipe.SendBlocking(atproto.NewBlocking(atproto.CmdCIPDinfo,
		atproto.Params{DinfoOn: true}, d.cfg.Timeouts.Default))); err != nil {
		return err
	}

	msg := atproto.NewBlocking(atproto.CmdCIPStatus, atproto.Params{}, d.cfg.Timeouts.Default)
	return toError(d.pipe.SendBlocking(msg))
}

// StationJoin issues CWJAP to associate with an access point. persist
// selects the "_DEF" (survives reboot) vs "_CUR" (current session only)
// variant.
func (d *Driver) StationJoin(ssid, password string, persist bool) error {
	msg := atproto.NewBlocking(atproto.CmdWifiJoin,
		atproto.Params{SSID: ssid, Password: password, Persist: persist}, d.cfg.Timeouts.Default)
	return toError(d.pipe.SendBlocking(msg))
}

// StationQuit issues CWQAP to disassociate from the current access point.
func (d *Driver) StationQuit() error {
	msg := atproto.NewBlocking(atproto.CmdWifiQuit, atproto.Params{}, d.cfg.Timeouts.Default)
	return toError(d.pipe.SendBlocking(msg))
}

// SetSSLBufferSize issues AT+CIPSSLSIZE, tuning the TLS record buffer.
func (d *Driver) SetSSLBufferSize(kb int) error {
	msg := atproto.NewBlocking(atproto.CmdCIPSSLSize, atproto.Params{SSLSizeKB: kb}, d.cfg.Timeouts.Default)
	return toError(d.pipe.SendBlocking(msg))
}

// SetUARTBaud issues AT+UART_CUR/_DEF to reconfigure the link speed.
func (d *Driver) SetUARTBaud(baud int, persist bool) error {
	msg := atproto.NewBlocking(atproto.CmdUART, atproto.Params{BaudRate: baud, Persist: persist}, d.cfg.Timeouts.Default)
	return toError(d.pipe.SendBlocking(msg))
}

// Listen issues AT+CIPSERVER=1,<port> to start a TCP listener; inbound
// connections arrive as ConnActive events on whatever Dispatcher/conn
// callback the caller has registered.
func (d *Driver) Listen(port int) error {
	msg := atproto.NewBlocking(atproto.CmdCIPServer, atproto.Params{ServerOn: true, Port: port}, d.cfg.Timeouts.Default)
	return toError(d.pipe.SendBlocking(msg))
}

// RunHTTPServer registers an httpd.Server on connection slot 0..N-1 so
// every connection accepted after Listen is handled by the HTTP state
// machine.
func (d *Driver) RunHTTPServer(cfg config.HTTPConfig, provider httpd.FileProvider, router *httpd.Router, hooks httpd.Hooks) {
	d.httpSrv = httpd.NewServer(cfg, provider, router, hooks, d.conns)
	for id := 0; id < d.conns.Size(); id++ {
		_ = d.conns.SetCallback(id, d.httpSrv.Callback(), nil)
	}
}

func toError(r atproto.Result) error {
	return AsError(fromATProtoResult(r))
}

// fromATProtoResult maps atproto's pipeline-level result enumeration onto
// espat's public Result, since the two carry different underlying values
// (atproto's is a small non-negative enum fed to the parser/encoder;
// espat's uses negative values for every non-OK kind, as the public-facing
// error-kind surface).
func fromATProtoResult(r atproto.Result) Result {
	switch r {
	case atproto.ResultOK:
		return ResultOK
	case atproto.ResultErr:
		return ResultErr
	case atproto.ResultParamErr:
		return ResultParamErr
	case atproto.ResultNoMem:
		return ResultNoMem
	case atproto.ResultTimeout:
		return ResultTimeout
	case atproto.ResultCont:
		return ResultCont
	case atproto.ResultClosed:
		return ResultClosed
	case atproto.ResultInProgress:
		return ResultInProgress
	case atproto.ResultNotEnabled:
		return ResultNotEnabled
	case atproto.ResultNoDevice:
		return ResultNoDevice
	case atproto.ResultConnFail:
		return ResultConnFail
	default:
		return ResultErr
	}
}
