package atproto

import (
	"bytes"
	"regexp"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/espat-drv/espat/mem"
	"github.com/espat-drv/espat/ringbuf"
)

var log = logrus.WithField("component", "atproto.parser")

// LineKind classifies one line (or prompt) received from the modem.
type LineKind int

const (
	LineEcho LineKind = iota
	LineBlank
	LineOK
	LineError
	LineFail
	LineSendPrompt
	LineSendOK
	LineSendFail
	LineReady
	LineBusy
	LineState      // e.g. "+CWJAP:...", "+CIPSTA:ip:..."
	LineConnect    // "<id>,CONNECT"
	LineClosed     // "<id>,CLOSED"
	LineWifiEvent  // "WIFI CONNECTED" | "WIFI DISCONNECT" | "WIFI GOT IP"
	LineUnknown
)

var connEventRe = regexp.MustCompile(`^(\d+),(CONNECT|CLOSED)$`)
var ipdHeaderRe = regexp.MustCompile(`^\+IPD,(\d+),(\d+)(?:,"([^"]*)",(\d+))?$`)

const maxLineLen = 2048

// IPDFrame is one binary payload frame delivered by the modem between a
// `+IPD,<id>,<len>[,...]` header and the next line-mode byte. Free
// releases Data back to the Allocator the parser sourced it from, once
// the receiver is done with it; it is nil if Data needs no release
// beyond normal garbage collection.
type IPDFrame struct {
	ConnID int
	Data   []byte
	Free   func([]byte)
}

// Handler receives parser events. All methods run on the parser's own
// goroutine and must not block.
type Handler interface {
	OnLine(kind LineKind, line string)
	OnIPDFrame(frame IPDFrame)
}

// Parser drains a ring buffer and classifies bytes into lines and +IPD
// binary frames.
type Parser struct {
	ring    *ringbuf.Ring
	handler Handler
	alloc   mem.Allocator

	lineBuf      []byte
	binary       bool
	ipdConnID    int
	ipdRemaining int
	ipdBuf       []byte
	ipdWritten   int

	expectedEcho string
}

// New creates a Parser reading from ring and delivering events to
// handler, sourcing +IPD payload buffers from alloc (mem.Heap{} if nil
// is passed, so a caller that doesn't care about a fixed-region arena
// doesn't have to construct one).
func New(ring *ringbuf.Ring, handler Handler, alloc mem.Allocator) *Parser {
	if alloc == nil {
		alloc = mem.Heap{}
	}
	return &Parser{ring: ring, handler: handler, alloc: alloc}
}

// SetExpectedEcho tells the parser what the next outbound command line
// looks like (sans CRLF) so its echo can be dropped silently.
func (p *Parser) SetExpectedEcho(cmdLine string) {
	p.expectedEcho = strings.TrimRight(cmdLine, "\r\n")
}

// Run processes bytes from the ring buffer until it is closed. Intended to
// run on its own goroutine.
func (p *Parser) Run() {
	for {
		b, ok := p.ring.ReadByte()
		if !ok {
			return
		}
		p.feed(b)
	}
}

// Feed processes a single byte; exported for tests that want to drive the
// parser without a real ring buffer.
func (p *Parser) Feed(b byte) { p.feed(b) }

func (p *Parser) feed(b byte) {
	if p.binary {
		if p.ipdWritten < len(p.ipdBuf) {
			p.ipdBuf[p.ipdWritten] = b
			p.ipdWritten++
		}
		p.ipdRemaining--
		if p.ipdRemaining <= 0 {
			alloc := p.alloc
			p.handler.OnIPDFrame(IPDFrame{
				ConnID: p.ipdConnID,
				Data:   p.ipdBuf,
				Free:   func(d []byte) { alloc.Free(d) },
			})
			p.binary = false
			p.ipdBuf = nil
			p.ipdWritten = 0
			p.lineBuf = p.lineBuf[:0]
		}
		return
	}

	p.lineBuf = append(p.lineBuf, b)

	// +IPD,<id>,<len>[,"ip",port]: switches to binary mode the instant the
	// colon is seen -- there is no CRLF between it and the payload.
	if b == ':' && bytes.HasPrefix(p.lineBuf, []byte("+IPD,")) {
		header := string(p.lineBuf[:len(p.lineBuf)-1])
		if connID, n, ok := parseIPDHeader(header); ok {
			buf, err := p.alloc.Alloc(n)
			if err != nil {
				log.Warnf("+IPD payload allocation failed (%d bytes): %v, falling back to heap", n, err)
				buf = make([]byte, n)
			}
			p.binary = true
			p.ipdConnID = connID
			p.ipdRemaining = n
			p.ipdBuf = buf
			p.ipdWritten = 0
			return
		}
		// Not actually a valid header; fall through and keep accumulating
		// as an ordinary line (defensive: malformed/partial frame).
	}

	// The CIPSEND ready prompt is "> " with no CRLF.
	if len(p.lineBuf) == 2 && p.lineBuf[0] == '>' && p.lineBuf[1] == ' ' {
		p.handler.OnLine(LineSendPrompt, ">")
		p.lineBuf = p.lineBuf[:0]
		return
	}

	if len(p.lineBuf) >= 2 && p.lineBuf[len(p.lineBuf)-2] == '\r' && p.lineBuf[len(p.lineBuf)-1] == '\n' {
		line := string(p.lineBuf[:len(p.lineBuf)-2])
		p.lineBuf = p.lineBuf[:0]
		p.dispatchLine(line)
		return
	}

	if len(p.lineBuf) > maxLineLen {
		log.Warnf("dropping oversized line buffer (%d bytes)", len(p.lineBuf))
		p.lineBuf = p.lineBuf[:0]
	}
}

func (p *Parser) dispatchLine(line string) {
	kind := classify(line, p.expectedEcho)
	if kind == LineBlank {
		return
	}
	p.handler.OnLine(kind, line)
}

func classify(line, expectedEcho string) LineKind {
	switch {
	case line == "":
		return LineBlank
	case expectedEcho != "" && line == expectedEcho:
		return LineEcho
	case line == "OK":
		return LineOK
	case line == "ERROR":
		return LineError
	case line == "FAIL":
		return LineFail
	case line == "SEND OK":
		return LineSendOK
	case line == "SEND FAIL":
		return LineSendFail
	case line == "ready":
		return LineReady
	case strings.HasPrefix(line, "busy"):
		return LineBusy
	case line == "WIFI CONNECTED", line == "WIFI DISCONNECT", line == "WIFI GOT IP":
		return LineWifiEvent
	case connEventRe.MatchString(line):
		m := connEventRe.FindStringSubmatch(line)
		if m[2] == "CONNECT" {
			return LineConnect
		}
		return LineClosed
	case strings.HasPrefix(line, "+"):
		return LineState
	default:
		return LineUnknown
	}
}

// ConnEventID extracts the connection id from a LineConnect/LineClosed line.
func ConnEventID(line string) (int, bool) {
	m := connEventRe.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	id, err := strconv.Atoi(m[1])
	return id, err == nil
}

func parseIPDHeader(header string) (connID, length int, ok bool) {
	m := ipdHeaderRe.FindStringSubmatch(header)
	if m == nil {
		return 0, 0, false
	}
	connID, err1 := strconv.Atoi(m[1])
	length, err2 := strconv.Atoi(m[2])
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return connID, length, true
}

// StateCommandID returns the token before ':' in a +STATE line, e.g.
// "+CWJAP" for "+CWJAP:...". Used by the pipeline to decide whether a
// state line belongs to the in-flight command.
func StateCommandID(line string) string {
	idx := strings.IndexByte(line, ':')
	if idx == -1 {
		idx = strings.IndexByte(line, ',')
	}
	if idx == -1 {
		return line
	}
	return line[:idx]
}
