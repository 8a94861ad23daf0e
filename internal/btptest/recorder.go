// Package btptest has helpers for testing BTP services without a driver.
package btptest

import (
	"sync"
	"testing"
	"time"

	"github.com/viamrobotics/btipc/wire"
	"go.viam.com/test"
)

// Recorder is a btp.Sender that keeps every message it is given.
type Recorder struct {
	mu   sync.Mutex
	msgs []wire.Message
	ch   chan wire.Message
	// Err, when set, is returned from every send after recording it.
	Err error
}

func NewRecorder() *Recorder {
	return &Recorder{ch: make(chan wire.Message, 256)}
}

func (r *Recorder) Send(service, opcode, index uint8, payload []byte) error {
	msg := wire.Message{
		Header: wire.Header{
			Service: service,
			Opcode:  opcode,
			Index:   index,
			Len:     uint16(len(payload)),
		},
		Payload: append([]byte(nil), payload...),
	}
	r.mu.Lock()
	r.msgs = append(r.msgs, msg)
	err := r.Err
	r.mu.Unlock()
	r.ch <- msg
	return err
}

func (r *Recorder) SendError(service, index, status uint8) error {
	return r.Send(service, wire.OpError, index, []byte{status})
}

// Messages returns everything sent so far.
func (r *Recorder) Messages() []wire.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]wire.Message(nil), r.msgs...)
}

// Next waits for the next message.
func (r *Recorder) Next(t *testing.T) wire.Message {
	t.Helper()
	select {
	case msg := <-r.ch:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("no message sent")
		return wire.Message{}
	}
}

// ExpectNone fails if anything is sent within a short grace period.
func (r *Recorder) ExpectNone(t *testing.T) {
	t.Helper()
	select {
	case msg := <-r.ch:
		t.Fatalf("unexpected message %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

// ExpectError waits for the next message and checks it is an ERROR with
// status.
func (r *Recorder) ExpectError(t *testing.T, service, index, status uint8) {
	t.Helper()
	msg := r.Next(t)
	test.That(t, msg.Service, test.ShouldEqual, service)
	test.That(t, msg.Opcode, test.ShouldEqual, wire.OpError)
	test.That(t, msg.Index, test.ShouldEqual, index)
	test.That(t, msg.Payload, test.ShouldResemble, []byte{status})
}

// ExpectReply waits for the next message and checks its header, returning
// the payload.
func (r *Recorder) ExpectReply(t *testing.T, service, opcode, index uint8) []byte {
	t.Helper()
	msg := r.Next(t)
	test.That(t, msg.Service, test.ShouldEqual, service)
	test.That(t, msg.Opcode, test.ShouldEqual, opcode)
	test.That(t, msg.Index, test.ShouldEqual, index)
	return msg.Payload
}
