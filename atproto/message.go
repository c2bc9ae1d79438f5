// Package atproto defines the AT command/event data model and the
// line-oriented parser that drives it. The in-flight Message's Cmd gates
// which received state lines are meaningful to it, serviced by a timeout.
package atproto

import (
	"fmt"
	"time"
)

// Command identifies one AT operation.
type Command int

const (
	CmdReset Command = iota
	CmdWifiMode
	CmdWifiJoin
	CmdWifiQuit
	CmdWifiListAPs
	CmdCIPSTAGet
	CmdCIPSTASet
	CmdCIPAPGet
	CmdCIPAPSet
	CmdCIPSTAMACGet
	CmdCIPSTAMACSet
	CmdCIPAPMACGet
	CmdCIPAPMACSet
	CmdCIPMux
	CmdCIPDinfo
	CmdCIPServer
	CmdCIPStart
	CmdCIPClose
	CmdCIPSend
	CmdCIPStatus
	CmdCIPSSLSize
	CmdUART
)

func (c Command) String() string {
	names := [...]string{
		"RESET", "CWMODE", "CWJAP", "CWQAP", "CWLAP",
		"CIPSTA_GET", "CIPSTA_SET", "CIPAP_GET", "CIPAP_SET",
		"CIPSTAMAC_GET", "CIPSTAMAC_SET", "CIPAPMAC_GET", "CIPAPMAC_SET",
		"CIPMUX", "CIPDINFO", "CIPSERVER", "CIPSTART", "CIPCLOSE",
		"CIPSEND", "CIPSTATUS", "CIPSSLSIZE", "UART",
	}
	if int(c) < 0 || int(c) >= len(names) {
		return fmt.Sprintf("Command(%d)", c)
	}
	return names[c]
}

// Params is a command-specific parameter union. Only the fields relevant
// to Command are populated; a plain struct is simpler and safer here than
// a real union would be in Go.
type Params struct {
	Mode       int    // CWMODE
	SSID       string // CWJAP
	Password   string
	BSSID      string
	ConnID     int    // CIPSTART/CIPSEND/CIPCLOSE
	Type       string // "TCP" | "UDP" | "SSL"
	Host       string
	Port       int
	LocalPort  int    // UDP
	Mode2      int    // UDP mode
	Data       []byte // CIPSEND payload
	Persist    bool   // "_DEF" vs "_CUR" variants
	ServerOn   bool   // CIPSERVER
	MaxConns   int
	Timeout    int // server timeout, seconds
	MuxEnable  bool
	DinfoOn    bool
	SSLSizeKB  int
	BaudRate   int
}

// Result carries the outcome of one Message. It is a separate, non-negative
// enum from espat.Result; the driver facade maps one onto the other.
type Result int8

const (
	ResultOK Result = iota
	ResultErr
	ResultParamErr
	ResultNoMem
	ResultTimeout
	ResultCont
	ResultClosed
	ResultInProgress
	ResultNotEnabled
	ResultNoDevice
	ResultConnFail
)

// Finalizer is invoked by the consumer thread once the message's terminal
// result is known, for non-blocking callers. Blocking callers instead wait
// on Done.
type Finalizer func(msg *Message)

// Message represents one AT operation travelling through the pipeline: it
// is created by an API call, owned by the producer queue while in flight,
// and freed (for non-blocking callers, by the consumer goroutine; for
// blocking callers, by the caller once Done is closed) once its Finalizer —
// if any — has run.
type Message struct {
	Cmd     Command
	Params  Params
	Result  Result
	Timeout time.Duration

	// Done is non-nil for blocking calls: it is closed once Result is set.
	Done chan struct{}

	// Finalizer runs on the consumer goroutine once Result is set, for
	// non-blocking calls. It must not block.
	Finalizer Finalizer

	// info accumulates state lines the parser judged relevant to this
	// command (e.g. the CWJAP status line, the CIPSTATUS table rows).
	info []string
}

// NewBlocking builds a Message whose caller will wait on Done.
func NewBlocking(cmd Command, params Params, timeout time.Duration) *Message {
	return &Message{Cmd: cmd, Params: params, Timeout: timeout, Done: make(chan struct{})}
}

// NewNonBlocking builds a Message whose Finalizer runs on the consumer
// goroutine instead of a caller waiting on Done.
func NewNonBlocking(cmd Command, params Params, timeout time.Duration, finalizer Finalizer) *Message {
	return &Message{Cmd: cmd, Params: params, Timeout: timeout, Finalizer: finalizer}
}

// Info returns the state lines accumulated for this command.
func (m *Message) Info() []string { return append([]string(nil), m.info...) }

// AddInfo appends a state line; called only by the parser goroutine while
// m is the in-flight message.
func (m *Message) AddInfo(line string) { m.info = append(m.info, line) }

// Resolve sets the final result and unblocks/dispatches completion. Called
// exactly once per message, from the producer goroutine.
func (m *Message) Resolve(result Result) {
	m.Result = result
	if m.Done != nil {
		close(m.Done)
	}
}
