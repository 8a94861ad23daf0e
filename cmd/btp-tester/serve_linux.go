package main

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/viamrobotics/btipc/btp"
	"github.com/viamrobotics/btipc/services/core"
	goutils "go.viam.com/utils"
)

const stopTimeout = 10 * time.Second

// serve answers the driver until it hangs up or ctx ends. Every registered
// service is stopped from the disconnect hook, or before closing when ctx
// ends first so teardown events still reach the driver.
func serve(ctx context.Context, conn *btp.Conn, svc *core.Service) error {
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func() {
		stopOnce.Do(func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
			defer cancel()
			stopErr = svc.Stop(stopCtx)
		})
	}
	conn.OnDisconnect(func(err error) {
		if err == nil {
			globalLogger.Info("test driver disconnected")
		}
		stop()
	})

	if err := svc.Start(); err != nil {
		return errors.Join(err, conn.Close())
	}
	serveErr := make(chan error, 1)
	goutils.PanicCapturingGo(func() {
		serveErr <- conn.Serve()
	})

	var err error
	select {
	case <-ctx.Done():
		stop()
	case err = <-serveErr:
	}
	return errors.Join(err, stopErr, conn.Close())
}
