package main

import (
	"context"
	"time"

	errw "github.com/pkg/errors"
	"github.com/viamrobotics/btipc/btp"
	"github.com/viamrobotics/btipc/services/core"
	"github.com/viamrobotics/btipc/services/gap"
	"github.com/viamrobotics/btipc/services/l2cap"
	"github.com/viamrobotics/btipc/services/registry"
	"github.com/viamrobotics/btipc/utils"
	goutils "go.viam.com/utils"
)

// dial retries until the driver is listening or the connect timeout runs out.
func dial(ctx context.Context, cfg utils.TransportConfig, reg *registry.Registry) (*btp.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(cfg.ConnectTimeout))
	defer cancel()
	for {
		conn, err := btp.Dial(ctx, cfg.BTPSocketPath, reg, globalLogger.Sublogger("btp"))
		if err == nil {
			return conn, nil
		}
		globalLogger.Debug(err)
		if !goutils.SelectContextOrWait(ctx, 250*time.Millisecond) {
			return nil, err
		}
	}
}

func features(cfg utils.TransportConfig, conn *btp.Conn) ([]core.Feature, func()) {
	l2 := l2cap.New(conn, l2cap.NewSockets(globalLogger.Sublogger("l2cap")), globalLogger.Sublogger("l2cap"))

	backend, err := gap.NewBlueZ(globalLogger.Sublogger("bluez"), cfg.DiscoveryUUIDs, gap.WithAdapter(uint8(cfg.HCIIndex)))
	if err != nil {
		globalLogger.Warn(errw.Wrap(err, "GAP service unavailable"))
		return []core.Feature{l2}, func() {}
	}
	closeBackend := func() {
		if err := backend.Close(); err != nil {
			globalLogger.Warn(err)
		}
	}
	return []core.Feature{gap.New(conn, backend, globalLogger.Sublogger("gap")), l2}, closeBackend
}

// run serves the driver until it hangs up or ctx ends.
func run(ctx context.Context, cfg utils.TransportConfig) error {
	reg := registry.New()
	conn, err := dial(ctx, cfg, reg)
	if err != nil {
		return err
	}
	globalLogger.Infof("connected to test driver at %s", cfg.BTPSocketPath)

	feats, closeBackend := features(cfg, conn)
	defer closeBackend()

	svc := core.New(conn, reg, globalLogger.Sublogger("core"), feats...)
	return serve(ctx, conn, svc)
}
