package atproto

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type recordingHandler struct {
	lines  []string
	kinds  []LineKind
	frames []IPDFrame
}

func (h *recordingHandler) OnLine(kind LineKind, line string) {
	h.kinds = append(h.kinds, kind)
	h.lines = append(h.lines, line)
}

func (h *recordingHandler) OnIPDFrame(frame IPDFrame) {
	h.frames = append(h.frames, frame)
}

func feedString(p *Parser, s string) {
	for i := 0; i < len(s); i++ {
		p.Feed(s[i])
	}
}

func TestClassifiesTerminals(t *testing.T) {
	h := &recordingHandler{}
	p := New(nil, h, nil)
	feedString(p, "OK\r\nERROR\r\nSEND OK\r\nready\r\n")

	assert.Equal(t, []LineKind{LineOK, LineError, LineSendOK, LineReady}, h.kinds)
}

func TestIPDBinaryFrameDelivery(t *testing.T) {
	h := &recordingHandler{}
	p := New(nil, h, nil)
	feedString(p, "+IPD,2,5:hello")

	assert.Len(t, h.frames, 1)
	assert.Equal(t, 2, h.frames[0].ConnID)
	assert.Equal(t, "hello", string(h.frames[0].Data))
}

func TestIPDPayloadBytesNeverTreatedAsLineTerminators(t *testing.T) {
	h := &recordingHandler{}
	p := New(nil, h, nil)
	// Payload itself contains a CRLF; must not truncate the binary frame.
	feedString(p, "+IPD,0,6:ab\r\ncd")
	feedString(p, "OK\r\n")

	assert.Len(t, h.frames, 1)
	assert.Equal(t, "ab\r\ncd", string(h.frames[0].Data))
	assert.Contains(t, h.kinds, LineOK)
}

func TestSendPromptWithoutCRLF(t *testing.T) {
	h := &recordingHandler{}
	p := New(nil, h, nil)
	feedString(p, "> ")
	assert.Equal(t, []LineKind{LineSendPrompt}, h.kinds)
}

func TestConnectAndClosedEvents(t *testing.T) {
	h := &recordingHandler{}
	p := New(nil, h, nil)
	feedString(p, "2,CONNECT\r\n0,CLOSED\r\n")
	assert.Equal(t, []LineKind{LineConnect, LineClosed}, h.kinds)

	id, ok := ConnEventID(h.lines[0])
	assert.True(t, ok)
	assert.Equal(t, 2, id)
}

func TestEchoIsDroppedWhenExpected(t *testing.T) {
	h := &recordingHandler{}
	p := New(nil, h, nil)
	p.SetExpectedEcho("AT+CWJAP=\"a\",\"b\"\r\n")
	feedString(p, "AT+CWJAP=\"a\",\"b\"\r\nOK\r\n")
	assert.Equal(t, []LineKind{LineEcho, LineOK}, h.kinds)
}

func TestStateLineClassification(t *testing.T) {
	h := &recordingHandler{}
	p := New(nil, h, nil)
	feedString(p, "+CWJAP:\"myssid\",\"aa:bb:cc:dd:ee:ff\",6,-45\r\nOK\r\n")
	assert.Equal(t, LineState, h.kinds[0])
	assert.Equal(t, "+CWJAP", StateCommandID(h.lines[0]))
}
