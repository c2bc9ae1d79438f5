package httpd

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/espat-drv/espat/atproto"
	"github.com/espat-drv/espat/config"
	"github.com/espat-drv/espat/conn"
	"github.com/espat-drv/espat/pipeline"
)

var log = logrus.WithField("component", "httpd")

// respChunkMax bounds one response-pump read to min(remaining,
// respChunkMax) bytes. A halve-on-failure retry down to a smaller chunk
// size isn't needed here: an os.File/StaticFile read of this size never
// fails the way a fixed-region allocator's alloc can, so only the upper
// bound is carried forward.
const respChunkMax = 2048

// Hooks wires the optional POST streaming and SSI callbacks: post_start,
// post_data, post_end, and ssi.
type Hooks struct {
	PostStart func(connID int, uri string, contentLength int)
	PostData  func(connID int, data []byte)
	PostEnd   func(connID int)
	SSI       SSIFunc
}

// Server is a connection-callback-driven HTTP server.
type Server struct {
	cfg      config.HTTPConfig
	provider FileProvider
	router   *Router
	hooks    Hooks
	mgr      *conn.Manager

	mu     sync.Mutex
	states map[int]*httpState
}

// NewServer builds a Server. provider resolves URIs to files; router may
// be nil if no CGI handlers are registered.
func NewServer(cfg config.HTTPConfig, provider FileProvider, router *Router, hooks Hooks, mgr *conn.Manager) *Server {
	return &Server{
		cfg:      cfg,
		provider: provider,
		router:   router,
		hooks:    hooks,
		mgr:      mgr,
		states:   make(map[int]*httpState),
	}
}

// Callback returns a conn.Callback bound to this server, to register on
// every connection a CIPSERVER listener hands off: each CONN_ACTIVE
// allocates a fresh HTTP state for that connection.
func (s *Server) Callback() conn.Callback {
	return func(c *conn.Conn, e pipeline.Event) {
		switch ev := e.(type) {
		case pipeline.ConnActive:
			s.onActive(c.ID)
		case pipeline.ConnDataRecv:
			s.onDataRecv(c.ID, ev.Data)
		case pipeline.ConnClosed:
			s.onClosed(c.ID)
		case pipeline.ConnDataSendErr:
			s.closeConnection(c.ID)
		}
	}
}

func (s *Server) onActive(connID int) {
	s.mu.Lock()
	s.states[connID] = newHTTPState()
	s.mu.Unlock()
}

func (s *Server) onClosed(connID int) {
	s.mu.Lock()
	st := s.states[connID]
	delete(s.states, connID)
	s.mu.Unlock()
	if st != nil && st.method == methodPOST && !st.processResp && s.hooks.PostEnd != nil {
		// Partial POST delivery still runs the post-end hook.
		s.hooks.PostEnd(connID)
	}
	if st != nil && st.respFile != nil {
		st.respFile.Close()
	}
}

func (s *Server) state(connID int) *httpState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[connID]
}

func (s *Server) onDataRecv(connID int, data []byte) {
	st := s.state(connID)
	if st == nil {
		log.Warnf("data for connection %d with no HTTP state", connID)
		return
	}

	switch st.phase {
	case phaseInit:
		st.phase = phaseHeaders
		fallthrough
	case phaseHeaders:
		s.feedHeaders(connID, st, data)
	case phaseBody:
		s.feedBody(connID, st, data)
	default:
		// Extra bytes after the response has started are ignored, the
		// way a keep-alive-less HTTP/1.0 server would.
	}

	if st.processResp && st.phase == phaseReady {
		s.pump(connID, st)
	}
}

func (s *Server) feedHeaders(connID int, st *httpState, data []byte) {
	_, found := st.appendRequestBytes(data)
	if !found {
		if len(st.reqBuf) > s.cfg.MaxURILen*8 {
			s.closeConnection(connID) // malformed/oversized request
		}
		return
	}

	idx := indexCRLFCRLF(st.reqBuf)
	head := string(st.reqBuf[:idx])
	bodyStart := st.reqBuf[idx+4:]

	lines := splitLines(head)
	if len(lines) == 0 {
		s.closeConnection(connID)
		return
	}
	m, rawURI, ok := parseRequestLine(lines[0])
	if !ok {
		s.closeConnection(connID)
		return
	}
	st.method = m
	if len(rawURI) > s.cfg.MaxURILen {
		rawURI = rawURI[:s.cfg.MaxURILen]
	}
	st.uri = rawURI

	// URI resolution runs for every recognised method, not only GET: a
	// POST response is the resolved page the same way a GET's is, so
	// resolution happens right after the request line is parsed, before
	// the method-specific branch.
	if m == methodGET || m == methodPOST {
		s.resolveAndSetResponse(st)
	}

	switch m {
	case methodGET:
		st.phase = phaseReady
		st.processResp = true

	case methodPOST:
		if !s.cfg.EnablePOST {
			st.method = methodNotAllowed
			st.phase = phaseReady
			st.processResp = true
			return
		}
		contentLength, _ := parseContentLength(head)
		st.contentLength = contentLength
		if contentLength == 0 {
			if s.hooks.PostEnd != nil {
				s.hooks.PostEnd(connID)
			}
			st.phase = phaseReady
			st.processResp = true
			return
		}
		st.phase = phaseBody
		if s.hooks.PostStart != nil {
			s.hooks.PostStart(connID, st.uri, contentLength)
		}
		if len(bodyStart) > 0 {
			s.deliverPostData(connID, st, bodyStart)
		}

	default:
		st.phase = phaseReady
		st.processResp = true
	}
}

func splitLines(s string) []string {
	var out []string
	start := 0
	for i := 0; i+1 < len(s); i++ {
		if s[i] == '\r' && s[i+1] == '\n' {
			out = append(out, s[start:i])
			start = i + 2
			i++
		}
	}
	if start <= len(s) {
		out = append(out, s[start:])
	}
	return out
}

func (s *Server) feedBody(connID int, st *httpState, data []byte) {
	s.deliverPostData(connID, st, data)
}

func (s *Server) deliverPostData(connID int, st *httpState, data []byte) {
	remaining := st.contentLength - st.contentReceived
	if len(data) > remaining {
		data = data[:remaining]
	}
	if s.hooks.PostData != nil && len(data) > 0 {
		s.hooks.PostData(connID, data)
	}
	st.contentReceived += len(data)
	if st.contentReceived >= st.contentLength {
		if s.hooks.PostEnd != nil {
			s.hooks.PostEnd(connID)
		}
		st.phase = phaseReady
		st.processResp = true
	}
}

func (s *Server) resolveAndSetResponse(st *httpState) {
	r := resolve(st.uri, s.cfg, s.provider, s.router)
	st.respFile = r.file
	st.isSSI = r.isSSI
	st.notFound = r.notFound
	if r.isSSI {
		st.ssi = newSSIEngine(s.cfg.SSITagStart, s.cfg.SSITagEnd, s.hooks.SSI)
	}
}

// statusLineFor mirrors minimal HTTP/1.0 status line emission, kept to
// what real browsers need to render the body correctly even though most
// requests on this wire are plain HTTP/0.9.
func statusLineFor(st *httpState) string {
	if st.notFound {
		return "HTTP/1.0 404 Not Found\r\n\r\n"
	}
	return "HTTP/1.0 200 OK\r\n\r\n"
}

const notAllowedResponse = "HTTP/1.0 405 Method Not Allowed\r\nAllow: GET, POST\r\n\r\n"
const notAllowedResponseNoPOST = "HTTP/1.0 405 Method Not Allowed\r\nAllow: GET\r\n\r\n"

func (s *Server) pump(connID int, st *httpState) {
	if st.method == methodNotAllowed {
		resp := notAllowedResponseNoPOST
		if s.cfg.EnablePOST {
			resp = notAllowedResponse
		}
		s.write(connID, st, []byte(resp))
		s.closeConnection(connID)
		return
	}

	if st.phase == phaseReady {
		s.write(connID, st, []byte(statusLineFor(st)))
		st.phase = phaseResponding
	}

	if st.respFile == nil {
		s.closeConnection(connID)
		return
	}

	buf := make([]byte, respChunkMax)
	for {
		n, err := st.respFile.Read(buf)
		if n == 0 || err != nil {
			if !st.respFile.IsStatic() {
				st.respFile.Close()
			}
			if st.isSSI {
				s.flushSSI(connID, st)
			}
			s.closeConnection(connID)
			return
		}
		chunk := buf[:n]
		if st.isSSI {
			s.emitSSI(connID, st, chunk)
		} else {
			s.write(connID, st, chunk)
		}
	}
}

func (s *Server) emitSSI(connID int, st *httpState, chunk []byte) {
	var out []byte
	st.ssi.feed(chunk, func(b []byte) bool {
		out = append(out, b...)
		return true
	})
	if len(out) > 0 {
		s.write(connID, st, out)
	}
}

// flushSSI emits whatever the SSI engine has buffered for an
// in-progress tag that never found its closing delimiter before the
// response ended, instead of silently dropping it.
func (s *Server) flushSSI(connID int, st *httpState) {
	var out []byte
	st.ssi.Flush(func(b []byte) bool {
		out = append(out, b...)
		return true
	})
	if len(out) > 0 {
		s.write(connID, st, out)
	}
}

func (s *Server) write(connID int, st *httpState, data []byte) {
	st.writtenTotal += len(data)
	if result := s.mgr.Write(connID, data); result != atproto.ResultOK {
		log.Warnf("response write to connection %d failed: %v", connID, result)
		return
	}
	_ = s.mgr.Flush(connID)
	st.sentTotal = st.writtenTotal
}

func (s *Server) closeConnection(connID int) {
	st := s.state(connID)
	if st != nil {
		st.phase = phaseClosed
	}
	_ = s.mgr.Close(connID)
}

// String implements fmt.Stringer for log fields.
func (p httpPhase) String() string {
	names := [...]string{"INIT", "HEADERS", "BODY", "READY", "RESPONDING", "CLOSED"}
	if int(p) < 0 || int(p) >= len(names) {
		return fmt.Sprintf("httpPhase(%d)", p)
	}
	return names[p]
}
