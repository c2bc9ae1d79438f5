// Package conn implements the fixed-size connection table: an array of
// slots indexed by the modem's connection id, each tracking dial/close
// state, staged outbound bytes, and the accumulated inbound pbuf chain.
package conn

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/espat-drv/espat/atproto"
	"github.com/espat-drv/espat/mem"
	"github.com/espat-drv/espat/metrics"
	"github.com/espat-drv/espat/pbuf"
	"github.com/espat-drv/espat/pipeline"
)

// pollInterval is how often an active connection receives a ConnPoll
// event, the equivalent of lwIP's periodic tcp_poll callback nudging a
// response pump that has no other trigger to resume on (e.g. an HTTP
// response pump waiting for staging-buffer room).
const pollInterval = 500 * time.Millisecond

var log = logrus.WithField("component", "conn")

// Type identifies a connection's transport kind.
type Type int

const (
	TypeTCP Type = iota
	TypeUDP
	TypeSSL
)

func (t Type) String() string {
	switch t {
	case TypeTCP:
		return "TCP"
	case TypeUDP:
		return "UDP"
	case TypeSSL:
		return "SSL"
	default:
		return "UNKNOWN"
	}
}

// Callback is invoked by the consumer goroutine for every event that
// belongs to a connection; all events for one connection arrive on this
// single goroutine in parse order.
type Callback func(c *Conn, e pipeline.Event)

// Conn is one slot's state.
type Conn struct {
	mu sync.Mutex

	ID     int
	Active bool
	Client bool // true if this side opened the connection (vs. modem-announced)
	Type   Type
	Host   string
	Port   int

	callback Callback
	userArg  interface{}

	inbound *pbuf.Buf // inbound pbuf chain, oldest first

	bytesSent   int
	bytesToSend int
	sendCredit  int // last MemAvailable from a ConnDataSent event
	stagingBuf  []byte
	closing     bool
}

// Manager is the fixed-size connection table.
type Manager struct {
	mu      sync.Mutex
	slots   []Conn
	metrics *metrics.Metrics
	pipe    *pipeline.Pipeline
	alloc   mem.Allocator

	pollStop chan struct{}
	pollOnce sync.Once
	pollWG   sync.WaitGroup
}

// NewManager builds a table of size slots (the modem's CIPMUX multiplexed
// connection count, typically 5). alloc sources each connection's
// outbound staging buffer (mem.Heap{} if nil is passed).
func NewManager(size int, pipe *pipeline.Pipeline, m *metrics.Metrics, alloc mem.Allocator) *Manager {
	if alloc == nil {
		alloc = mem.Heap{}
	}
	mgr := &Manager{
		slots:   make([]Conn, size),
		metrics: m,
		pipe:    pipe,
		alloc:   alloc,
	}
	for i := range mgr.slots {
		mgr.slots[i].ID = i
	}
	return mgr
}

// Size returns the table's slot count.
func (mgr *Manager) Size() int { return len(mgr.slots) }

// Start launches the periodic poll loop that delivers a ConnPoll event
// to every active connection, so a callback like the HTTP response pump
// has something to retry on even with no CIPSEND/+IPD activity.
func (mgr *Manager) Start() {
	mgr.pollStop = make(chan struct{})
	mgr.pollWG.Add(1)
	go mgr.pollLoop()
}

// Stop halts the poll loop started by Start. Safe to call even if Start
// was never called.
func (mgr *Manager) Stop() {
	if mgr.pollStop == nil {
		return
	}
	mgr.pollOnce.Do(func() { close(mgr.pollStop) })
	mgr.pollWG.Wait()
}

func (mgr *Manager) pollLoop() {
	defer mgr.pollWG.Done()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-mgr.pollStop:
			return
		case <-ticker.C:
			mgr.pollActive()
		}
	}
}

func (mgr *Manager) pollActive() {
	mgr.mu.Lock()
	ids := make([]int, 0, len(mgr.slots))
	for i := range mgr.slots {
		if mgr.slots[i].Active {
			ids = append(ids, mgr.slots[i].ID)
		}
	}
	mgr.mu.Unlock()
	for _, id := range ids {
		mgr.deliver(mgr.Get(id), pipeline.ConnPoll{ConnID: id})
	}
}

// Get returns the connection at id, or nil if id is out of range.
func (mgr *Manager) Get(id int) *Conn {
	if id < 0 || id >= len(mgr.slots) {
		return nil
	}
	return &mgr.slots[id]
}

// ActiveCount returns the number of currently active connections.
func (mgr *Manager) ActiveCount() int {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	n := 0
	for i := range mgr.slots {
		if mgr.slots[i].Active {
			n++
		}
	}
	return n
}

// Dial opens an outbound connection: enqueues CIPSTART and, on success,
// claims the slot. id must be chosen by the caller — AT+CIPSTART takes
// the connection id as an argument picked by the driver, not the modem.
func (mgr *Manager) Dial(id int, typ Type, host string, port int, timeout int, cb Callback) atproto.Result {
	c := mgr.Get(id)
	if c == nil {
		return atproto.ResultParamErr
	}
	c.mu.Lock()
	if c.Active {
		c.mu.Unlock()
		return atproto.ResultInProgress
	}
	c.mu.Unlock()

	params := atproto.Params{ConnID: id, Type: typ.String(), Host: host, Port: port}
	msg := atproto.NewBlocking(atproto.CmdCIPStart, params, cipStartTimeout)
	result := mgr.pipe.SendBlocking(msg)
	if result != atproto.ResultOK {
		return result
	}

	c.mu.Lock()
	c.Active = true
	c.Client = true
	c.Type = typ
	c.Host = host
	c.Port = port
	c.callback = cb
	c.mu.Unlock()
	mgr.metrics.SetActiveConnections(mgr.ActiveCount())
	return atproto.ResultOK
}

// Close issues CIPCLOSE for id. The slot is only released once the
// consumer goroutine observes the resulting CONN_CLOSED event (see
// HandleEvent).
func (mgr *Manager) Close(id int) atproto.Result {
	c := mgr.Get(id)
	if c == nil {
		return atproto.ResultParamErr
	}
	c.mu.Lock()
	if !c.Active {
		c.mu.Unlock()
		return atproto.ResultClosed
	}
	c.closing = true
	c.mu.Unlock()

	msg := atproto.NewBlocking(atproto.CmdCIPClose, atproto.Params{ConnID: id}, defaultTimeout)
	return mgr.pipe.SendBlocking(msg)
}

// Send issues one CIPSEND for data on id: enqueues a message carrying
// (slot, buffer, length).
func (mgr *Manager) Send(id int, data []byte) atproto.Result {
	c := mgr.Get(id)
	if c == nil {
		return atproto.ResultParamErr
	}
	c.mu.Lock()
	active := c.Active
	c.mu.Unlock()
	if !active {
		return atproto.ResultClosed
	}

	msg := atproto.NewBlocking(atproto.CmdCIPSend, atproto.Params{ConnID: id, Data: data}, sendTimeout(len(data)))
	result := mgr.pipe.SendBlocking(msg)
	if result == atproto.ResultOK {
		c.mu.Lock()
		c.bytesSent += len(data)
		c.mu.Unlock()
	}
	return result
}

// maxStagingBuf is the staging buffer's auto-flush threshold for Write.
const maxStagingBuf = 2048

// Write is the buffered variant of Send: it appends to the connection's
// staging buffer and only issues CIPSEND
// once Flush is called or the staging buffer fills. The staging buffer's
// backing array is sourced from the Manager's Allocator on first use
// after a flush, rather than left to ad hoc append growth, so it is the
// allocator path that grows and shrinks with outbound traffic.
func (mgr *Manager) Write(id int, data []byte) atproto.Result {
	c := mgr.Get(id)
	if c == nil {
		return atproto.ResultParamErr
	}
	c.mu.Lock()
	if c.stagingBuf == nil {
		buf, err := mgr.alloc.Alloc(maxStagingBuf)
		if err != nil {
			log.Warnf("staging buffer allocation failed for connection %d: %v", id, err)
			buf = make([]byte, maxStagingBuf)
		}
		c.stagingBuf = buf[:0]
	}
	c.stagingBuf = append(c.stagingBuf, data...)
	full := len(c.stagingBuf) >= maxStagingBuf
	c.mu.Unlock()
	if full {
		return mgr.Flush(id)
	}
	return atproto.ResultOK
}

// Flush sends any bytes staged by Write and releases the staging
// buffer's backing array back to the allocator it came from.
func (mgr *Manager) Flush(id int) atproto.Result {
	c := mgr.Get(id)
	if c == nil {
		return atproto.ResultParamErr
	}
	c.mu.Lock()
	pending := c.stagingBuf
	backing := pending[:cap(pending)]
	c.stagingBuf = nil
	c.mu.Unlock()

	if len(pending) == 0 {
		mgr.alloc.Free(backing)
		return atproto.ResultOK
	}
	result := mgr.Send(id, pending)
	mgr.alloc.Free(backing)
	return result
}

// InboundBytes returns and clears the connection's accumulated inbound
// pbuf chain, linearised, for consumers that don't want to walk pbufs
// directly.
func (c *Conn) InboundBytes() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inbound == nil {
		return nil
	}
	out := pbuf.Linearize(c.inbound)
	pbuf.Unref(c.inbound)
	c.inbound = nil
	return out
}

// HandleEvent applies one pipeline.Event to the connection table and
// forwards it to the owning connection's callback. Call this from the
// pipeline's Dispatcher.
func (mgr *Manager) HandleEvent(e pipeline.Event) {
	switch ev := e.(type) {
	case pipeline.ConnActive:
		c := mgr.Get(ev.ConnID)
		if c == nil {
			return
		}
		c.mu.Lock()
		wasActive := c.Active
		c.Active = true
		if !wasActive {
			c.Client = false // modem-announced, not claimed via Dial
		}
		c.mu.Unlock()
		mgr.metrics.SetActiveConnections(mgr.ActiveCount())
		mgr.deliver(c, e)

	case pipeline.ConnDataRecv:
		c := mgr.Get(ev.ConnID)
		if c == nil {
			log.Warnf("data for unknown connection %d dropped", ev.ConnID)
			return
		}
		node := pbuf.WrapWithFree(ev.Data, ev.Free)
		c.mu.Lock()
		if c.inbound == nil {
			c.inbound = node
		} else {
			c.inbound = pbuf.Concat(c.inbound, node, false)
		}
		c.mu.Unlock()
		mgr.deliver(c, e)

	case pipeline.ConnDataSent:
		c := mgr.Get(ev.ConnID)
		if c == nil {
			return
		}
		c.mu.Lock()
		c.sendCredit = ev.MemAvailable
		c.mu.Unlock()
		mgr.deliver(c, e)

	case pipeline.ConnDataSendErr:
		c := mgr.Get(ev.ConnID)
		mgr.deliver(c, e)

	case pipeline.ConnClosed:
		c := mgr.Get(ev.ConnID)
		if c == nil {
			return
		}
		mgr.deliver(c, e)
		c.mu.Lock()
		c.Active = false
		c.closing = false
		c.callback = nil
		c.userArg = nil
		inbound := c.inbound
		c.inbound = nil
		staging := c.stagingBuf
		c.stagingBuf = nil
		c.mu.Unlock()
		if inbound != nil {
			pbuf.Unref(inbound)
		}
		if staging != nil {
			mgr.alloc.Free(staging[:cap(staging)])
		}
		mgr.metrics.SetActiveConnections(mgr.ActiveCount())

	default:
		// Non-connection events (wifi status, init-finish) are not this
		// manager's concern; callers compose a larger Dispatcher.
	}
}

func (mgr *Manager) deliver(c *Conn, e pipeline.Event) {
	if c == nil {
		return
	}
	c.mu.Lock()
	cb := c.callback
	c.mu.Unlock()
	if cb == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("recovered panic in connection %d callback: %v", c.ID, r)
		}
	}()
	cb(c, e)
}

// SetCallback attaches the user callback and argument to a slot, used by
// server-side (modem-announced) connections before the first ConnActive
// event arrives.
func (mgr *Manager) SetCallback(id int, cb Callback, arg interface{}) error {
	c := mgr.Get(id)
	if c == nil {
		return fmt.Errorf("conn: slot %d out of range", id)
	}
	c.mu.Lock()
	c.callback = cb
	c.userArg = arg
	c.mu.Unlock()
	return nil
}

// UserArg returns the connection's opaque user-data pointer equivalent.
func (c *Conn) UserArg() interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userArg
}

// SetUserArg sets the connection's opaque user-data pointer equivalent.
func (c *Conn) SetUserArg(arg interface{}) {
	c.mu.Lock()
	c.userArg = arg
	c.mu.Unlock()
}

// SendCredit returns the MemAvailable of the last CONN_DATA_SENT event.
func (c *Conn) SendCredit() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sendCredit
}
