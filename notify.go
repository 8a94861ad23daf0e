package btipc

import (
	"os"
	"runtime"

	"github.com/viamrobotics/btipc/internal/seqpacket"
	"github.com/viamrobotics/btipc/services/registry"
	"github.com/viamrobotics/btipc/wire"
)

// receiveNotifications drains conn until end of stream or a fatal error.
// Events are dispatched in arrival order on this goroutine, so a slow handler
// delays the ones behind it.
func (t *Transport) receiveNotifications(conn *seqpacket.Conn, done chan<- struct{}) {
	defer close(done)
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	logger := t.logger.Sublogger("notify")
	f := t.format()
	buf := make([]byte, f.MTU)
	for {
		n, fd, err := conn.Recv(buf)
		if err != nil {
			t.fatal(wire.Desync("receiving notification", err))
			return
		}
		if n == 0 {
			if t.cmdClosed.Load() {
				break
			}
			t.fatal(wire.Desync("receiving notification", wire.ErrDisconnected))
			return
		}

		msg, err := f.DecodeEvent(buf[:n])
		if err != nil {
			closeFD(fd)
			t.fatal(wire.Desync("receiving notification", err))
			return
		}

		req := registry.Request{
			Service: msg.Service,
			Opcode:  msg.Opcode,
			Payload: append([]byte(nil), msg.Payload...),
		}
		if fd >= 0 {
			req.File = os.NewFile(uintptr(fd), "hal-notification")
		}
		if err := t.events.Dispatch(req); err != nil {
			logger.Debugw("dropping unhandled notification",
				"service", msg.Service, "opcode", msg.Opcode, "len", msg.Len)
			if req.File != nil {
				//nolint:errcheck
				req.File.Close()
			}
		}
	}

	logger.Debug("notification channel closed")
	if err := conn.Close(); err != nil {
		logger.Warn(err)
	}
}
