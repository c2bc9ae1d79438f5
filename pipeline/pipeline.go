// Package pipeline implements the command/event pipeline: a producer
// goroutine that serialises outbound AT commands and a consumer goroutine
// that dispatches parsed events, with a single in-flight slot between
// them.
package pipeline

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/espat-drv/espat/atproto"
	"github.com/espat-drv/espat/mem"
	"github.com/espat-drv/espat/metrics"
	"github.com/espat-drv/espat/ringbuf"
	"github.com/espat-drv/espat/transport"
)

var log = logrus.WithField("component", "pipeline")

const (
	producerQueueDepth = 32
	consumerQueueDepth = 64
)

// stateLinePrefix maps a command to the "+XXX" token that identifies a
// state line belonging to it; commands not listed here never accumulate
// state lines (they only care about the terminal result).
var stateLinePrefix = map[atproto.Command]string{
	atproto.CmdWifiJoin:     "+CWJAP",
	atproto.CmdWifiListAPs:  "+CWLAP",
	atproto.CmdCIPSTAGet:    "+CIPSTA",
	atproto.CmdCIPAPGet:     "+CIPAP",
	atproto.CmdCIPSTAMACGet: "+CIPSTAMAC",
	atproto.CmdCIPAPMACGet:  "+CIPAPMAC",
	atproto.CmdCIPStatus:    "+CIPSTATUS",
}

// Dispatcher receives pipeline events on the consumer goroutine. Panics
// raised by a Dispatcher implementation are recovered and logged so a
// misbehaving user callback can never tear down the pipeline.
type Dispatcher func(Event)

// Pipeline owns the producer/consumer queues, the single in-flight slot and
// the parser that feeds it.
type Pipeline struct {
	transport transport.Transport
	ring      *ringbuf.Ring
	parser    *atproto.Parser
	dispatch  Dispatcher
	metrics   *metrics.Metrics

	producerCh chan *atproto.Message
	consumerCh chan consumerItem

	mu        sync.Mutex
	inflight  *atproto.Message
	promptCh  chan struct{}
	terminal  chan atproto.Result

	closeOnce sync.Once
	stop      chan struct{}
	wg        sync.WaitGroup
}

type consumerItem struct {
	event     Event
	finalizer atproto.Finalizer
	msg       *atproto.Message
}

// New builds a Pipeline over tr, using ringSize bytes for the receive
// ring. dispatch is called for every asynchronous Event. alloc sources
// the parser's +IPD payload buffers (mem.Heap{} if nil is passed).
func New(tr transport.Transport, ringSize int, dispatch Dispatcher, m *metrics.Metrics, alloc mem.Allocator) *Pipeline {
	p := &Pipeline{
		transport:  tr,
		ring:       ringbuf.New(ringSize),
		dispatch:   dispatch,
		metrics:    m,
		producerCh: make(chan *atproto.Message, producerQueueDepth),
		consumerCh: make(chan consumerItem, consumerQueueDepth),
		stop:       make(chan struct{}),
	}
	p.parser = atproto.New(p.ring, p, alloc)
	return p
}

// Start connects the transport and launches the parser, producer and
// consumer goroutines.
func (p *Pipeline) Start() error {
	if err := p.transport.Connect(); err != nil {
		return err
	}
	p.transport.Subscribe(func(data []byte) {
		n := p.ring.Write(data)
		if n < len(data) {
			p.metrics.AddRingBufferDropped(len(data) - n)
		}
	})
	p.wg.Add(3)
	go func() { defer p.wg.Done(); p.parser.Run() }()
	go func() { defer p.wg.Done(); p.producerLoop() }()
	go func() { defer p.wg.Done(); p.consumerLoop() }()
	return nil
}

// Stop closes the ring (unblocking the parser) and signals the producer
// and consumer loops to exit, then waits for all three goroutines.
func (p *Pipeline) Stop() {
	p.closeOnce.Do(func() {
		close(p.stop)
		p.ring.Close()
	})
	p.wg.Wait()
}

// Enqueue submits msg for transmission. It returns ResultOK if the message
// was accepted onto the producer queue (not whether it ultimately
// succeeds), or ResultErr if the queue is full.
func (p *Pipeline) Enqueue(msg *atproto.Message) atproto.Result {
	select {
	case p.producerCh <- msg:
		p.metrics.SetProducerQueueDepth(len(p.producerCh))
		return atproto.ResultOK
	default:
		return atproto.ResultErr
	}
}

// SendBlocking enqueues msg and waits up to msg.Timeout for its terminal
// result.
func (p *Pipeline) SendBlocking(msg *atproto.Message) atproto.Result {
	if result := p.Enqueue(msg); result != atproto.ResultOK {
		return result
	}
	select {
	case <-msg.Done:
		return msg.Result
	case <-time.After(msg.Timeout + time.Second):
		// Hard backstop: the per-command timeout below should always win
		// first and resolve msg.Done; this only guards against a bug in
		// that path wedging a blocking caller forever.
		return atproto.ResultTimeout
	}
}

func (p *Pipeline) producerLoop() {
	for {
		select {
		case <-p.stop:
			return
		case msg := <-p.producerCh:
			p.metrics.SetProducerQueueDepth(len(p.producerCh))
			p.runCommand(msg)
		}
	}
}

func (p *Pipeline) runCommand(msg *atproto.Message) {
	start := time.Now()
	cmdLine := atproto.Encode(msg.Cmd, msg.Params)
	if cmdLine == "" {
		p.finish(msg, atproto.ResultParamErr)
		return
	}

	p.mu.Lock()
	p.inflight = msg
	p.promptCh = make(chan struct{}, 1)
	p.terminal = make(chan atproto.Result, 1)
	p.parser.SetExpectedEcho(cmdLine)
	p.mu.Unlock()

	log.WithField("cmd", msg.Cmd).Debugf("-> %q", cmdLine)
	if _, err := p.transport.Send([]byte(cmdLine)); err != nil {
		p.clearInflight()
		p.finish(msg, atproto.ResultErr)
		return
	}

	if msg.Cmd == atproto.CmdCIPSend {
		if !p.awaitPrompt(msg.Timeout) {
			p.clearInflight()
			p.finish(msg, atproto.ResultTimeout)
			return
		}
		if _, err := p.transport.Send(msg.Params.Data); err != nil {
			p.clearInflight()
			p.finish(msg, atproto.ResultErr)
			return
		}
	}

	result := p.awaitTerminal(msg.Timeout)
	p.clearInflight()
	p.metrics.ObserveCommandLatencySeconds(time.Since(start).Seconds())
	if msg.Cmd == atproto.CmdCIPSend && result == atproto.ResultOK {
		// The basic AT set this driver targets never reports a modem-side
		// buffer-remaining figure the way busy/CIPSENDBUF firmware does, so
		// the bytes just acknowledged by SEND OK are used as the credit
		// proxy: exactly that much staging-buffer room was freed by this
		// send completing.
		sent := len(msg.Params.Data)
		p.enqueueEvent(ConnDataSent{ConnID: msg.Params.ConnID, N: sent, MemAvailable: sent})
	}
	p.finish(msg, result)
}

func (p *Pipeline) awaitPrompt(timeout time.Duration) bool {
	p.mu.Lock()
	ch := p.promptCh
	p.mu.Unlock()
	select {
	case <-ch:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (p *Pipeline) awaitTerminal(timeout time.Duration) atproto.Result {
	p.mu.Lock()
	ch := p.terminal
	p.mu.Unlock()
	select {
	case r := <-ch:
		return r
	case <-time.After(timeout):
		log.WithField("timeout", timeout).Warn("command timed out waiting for terminal response")
		return atproto.ResultTimeout
	}
}

func (p *Pipeline) clearInflight() {
	p.mu.Lock()
	p.inflight = nil
	p.mu.Unlock()
}

func (p *Pipeline) finish(msg *atproto.Message, result atproto.Result) {
	msg.Resolve(result)
	if msg.Finalizer != nil {
		select {
		case p.consumerCh <- consumerItem{finalizer: msg.Finalizer, msg: msg}:
			p.metrics.SetConsumerQueueDepth(len(p.consumerCh))
		case <-p.stop:
		}
	}
}

func (p *Pipeline) enqueueEvent(e Event) {
	select {
	case p.consumerCh <- consumerItem{event: e}:
		p.metrics.SetConsumerQueueDepth(len(p.consumerCh))
	case <-p.stop:
	}
}

func (p *Pipeline) consumerLoop() {
	for {
		select {
		case <-p.stop:
			return
		case item := <-p.consumerCh:
			p.metrics.SetConsumerQueueDepth(len(p.consumerCh))
			p.dispatchSafely(item)
		}
	}
}

func (p *Pipeline) dispatchSafely(item consumerItem) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("recovered panic in consumer callback: %v", r)
		}
	}()
	if item.finalizer != nil {
		item.finalizer(item.msg)
		return
	}
	if p.dispatch != nil {
		p.dispatch(item.event)
	}
}

// --- atproto.Handler implementation -----------------------------------

// OnLine implements atproto.Handler.
func (p *Pipeline) OnLine(kind atproto.LineKind, line string) {
	switch kind {
	case atproto.LineEcho, atproto.LineBlank:
		return
	case atproto.LineOK:
		p.resolveTerminal(atproto.ResultOK)
	case atproto.LineError, atproto.LineFail:
		p.resolveTerminal(atproto.ResultErr)
	case atproto.LineSendOK:
		p.resolveTerminal(atproto.ResultOK)
	case atproto.LineSendFail:
		p.resolveTerminal(atproto.ResultErr)
	case atproto.LineSendPrompt:
		p.signalPrompt()
	case atproto.LineReady:
		p.enqueueEvent(InitFinish{})
	case atproto.LineBusy:
		log.Debug("modem reported busy")
	case atproto.LineState:
		p.addStateLine(line)
	case atproto.LineConnect:
		if id, ok := atproto.ConnEventID(line); ok {
			p.enqueueEvent(ConnActive{ConnID: id})
		}
	case atproto.LineClosed:
		if id, ok := atproto.ConnEventID(line); ok {
			p.enqueueEvent(ConnClosed{ConnID: id})
		}
	case atproto.LineWifiEvent:
		switch line {
		case "WIFI CONNECTED":
			p.enqueueEvent(WifiConnected{})
		case "WIFI DISCONNECT":
			p.enqueueEvent(WifiDisconnected{})
		case "WIFI GOT IP":
			p.enqueueEvent(WifiGotIP{})
		}
	default:
		log.Debugf("dropping unclassified line %q", line)
	}
}

// OnIPDFrame implements atproto.Handler.
func (p *Pipeline) OnIPDFrame(frame atproto.IPDFrame) {
	p.enqueueEvent(ConnDataRecv{ConnID: frame.ConnID, Data: frame.Data, Free: frame.Free})
}

func (p *Pipeline) addStateLine(line string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inflight == nil {
		return
	}
	want, ok := stateLinePrefix[p.inflight.Cmd]
	if !ok {
		return
	}
	if atproto.StateCommandID(line) != want {
		return // not meaningful for the current command; drop silently
	}
	p.inflight.AddInfo(line)
}

func (p *Pipeline) resolveTerminal(result atproto.Result) {
	p.mu.Lock()
	ch := p.terminal
	p.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- result:
	default:
	}
}

func (p *Pipeline) signalPrompt() {
	p.mu.Lock()
	ch := p.promptCh
	p.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

// String is used for log fields.
func (e ConnActive) String() string { return fmt.Sprintf("ConnActive{%d}", e.ConnID) }
