package btipc

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/viamrobotics/btipc/internal/seqpacket"
)

// EstablishKind classifies why the channels could not be set up.
type EstablishKind int

const (
	KindTimeout EstablishKind = iota
	KindAcceptFailed
	KindBindFailed
	KindListenFailed
	KindDaemonStartFailed
)

func (k EstablishKind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindAcceptFailed:
		return "accept failed"
	case KindBindFailed:
		return "bind failed"
	case KindListenFailed:
		return "listen failed"
	case KindDaemonStartFailed:
		return "daemon start failed"
	default:
		return "unknown"
	}
}

// EstablishError is returned by Init. The transport holds no descriptors
// after one.
type EstablishError struct {
	Kind EstablishKind
	// Channel is "command" or "notification" for accept and timeout
	// failures.
	Channel string
	Err     error
}

func (e *EstablishError) Error() string {
	msg := "connecting to daemon: " + e.Kind.String()
	if e.Channel != "" {
		msg += " (" + e.Channel + " channel)"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *EstablishError) Unwrap() error {
	return e.Err
}

// IsEstablishKind reports whether err is an EstablishError of kind k.
func IsEstablishKind(err error, k EstablishKind) bool {
	var e *EstablishError
	return errors.As(err, &e) && e.Kind == k
}

func (t *Transport) timeout() time.Duration {
	if to := time.Duration(t.cfg.ConnectTimeout); to > 0 {
		return to
	}
	return 5 * time.Second
}

// establish listens on the rendezvous address, optionally starts the daemon,
// and accepts the command channel followed by the notification channel.
func (t *Transport) establish(ctx context.Context) (cmd, notif *seqpacket.Conn, err error) {
	l, err := seqpacket.Listen(t.cfg.SocketPath, 2)
	if err != nil {
		kind := KindBindFailed
		var opErr *seqpacket.OpError
		if errors.As(err, &opErr) && opErr.Op == "listen" {
			kind = KindListenFailed
		}
		return nil, nil, &EstablishError{Kind: kind, Err: err}
	}
	defer func() {
		if cerr := l.Close(); cerr != nil {
			t.logger.Warn(cerr)
		}
	}()
	t.logger.Debugf("listening on %s", t.cfg.SocketPath)

	if t.cfg.DaemonName != "" {
		if err := t.starter.StartService(ctx, t.cfg.DaemonName); err != nil {
			return nil, nil, &EstablishError{Kind: KindDaemonStartFailed, Err: err}
		}
	}

	cmd, err = t.accept(ctx, l, "command")
	if err != nil {
		return nil, nil, err
	}
	notif, err = t.accept(ctx, l, "notification")
	if err != nil {
		if cerr := cmd.Close(); cerr != nil {
			t.logger.Warn(cerr)
		}
		return nil, nil, err
	}
	return cmd, notif, nil
}

func (t *Transport) accept(ctx context.Context, l *seqpacket.Listener, channel string) (*seqpacket.Conn, error) {
	conn, err := l.Accept(ctx, t.timeout())
	if err == nil {
		t.logger.Debugf("%s channel connected", channel)
		return conn, nil
	}
	kind := KindAcceptFailed
	if errors.Is(err, seqpacket.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		kind = KindTimeout
	}
	return nil, &EstablishError{Kind: kind, Channel: channel, Err: err}
}
