package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/jessevdk/go-flags"
	errw "github.com/pkg/errors"
	"github.com/viamrobotics/btipc"
	"github.com/viamrobotics/btipc/utils"
	"github.com/viamrobotics/btipc/wire"
	"go.viam.com/rdk/logging"
)

const binaryName = "hal-bridge"

var (
	activeBackgroundWorkers sync.WaitGroup

	// only changed/set at startup, so no mutex.
	globalLogger = logging.NewLogger(binaryName)
)

//nolint:lll
type bridgeOpts struct {
	Config  string `default:"/etc/btipc.json"        description:"Path to config file"                          long:"config"  short:"c"`
	Socket  string `description:"HAL rendezvous address, '@' for abstract" env:"HAL_BRIDGE_SOCKET"        long:"socket"  short:"s"`
	Daemon  string `description:"Daemon to start once listening, overrides daemon_name"                      long:"daemon"`
	Debug   bool   `description:"Enable debug logging" env:"HAL_BRIDGE_DEBUG"                                long:"debug"   short:"d"`
	Help    bool   `description:"Show this help message" long:"help"                                           short:"h"`
	Version bool   `description:"Show version"           long:"version"                                        short:"v"`
}

func main() {
	ctx, cancel := setupExitSignalHandling()

	defer func() {
		cancel()
		activeBackgroundWorkers.Wait()
	}()

	var opts bridgeOpts

	parser := flags.NewParser(&opts, flags.IgnoreUnknown)
	parser.Usage = "connects to the Bluetooth daemon over the HAL socket and keeps the adapter enabled."

	_, err := parser.Parse()
	exitIfError(err)

	if opts.Help {
		var b bytes.Buffer
		parser.WriteHelp(&b)
		//nolint:forbidigo
		fmt.Println(b.String())
		return
	}

	if opts.Version {
		//nolint:forbidigo
		fmt.Printf("Version: %s\nGit Revision: %s\n", utils.GetVersion(), utils.GetRevision())
		return
	}

	utils.CLIDebug = opts.Debug
	cfg, err := utils.LoadConfig(opts.Config)
	if err != nil {
		// still usable, invalid fields were replaced by defaults
		globalLogger.Warn(err)
	}
	cfg = utils.ApplyCLIArgs(cfg)
	if cfg.Debug.Get() {
		globalLogger.SetLevel(logging.DEBUG)
	}
	if opts.Socket != "" {
		cfg.SocketPath = opts.Socket
	}
	if opts.Daemon != "" {
		cfg.DaemonName = opts.Daemon
	}

	// the rendezvous address only takes one listener
	pidFile, err := utils.GetLock(globalLogger, binaryName)
	exitIfError(err)
	defer func() {
		if err := pidFile.Unlock(); err != nil {
			globalLogger.Error(errw.Wrapf(err, "unlocking %s", pidFile))
		}
	}()

	globalLogger.Infof("%s version: %s git revision: %s", binaryName, utils.GetVersion(), utils.GetRevision())
	if err := run(ctx, cfg); err != nil {
		globalLogger.Error(err)
	}
}

// run enables the adapter and reports its state until ctx ends. A desync
// exits the process from inside the transport.
func run(ctx context.Context, cfg utils.TransportConfig) (err error) {
	t := btipc.NewTransport(cfg, globalLogger.Sublogger("transport"))
	if err := t.Init(ctx); err != nil {
		return err
	}
	defer t.Cleanup()

	bt, err := btipc.NewBluetooth(t, globalLogger.Sublogger("bluetooth"))
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, bt.Close())
	}()

	states := bt.Watch()
	if err := bt.Enable(); err != nil {
		return errw.Wrap(err, "enabling adapter")
	}

	for {
		select {
		case <-ctx.Done():
			if bt.State() != wire.HALAdapterStateOn {
				return nil
			}
			return bt.Disable()
		case state := <-states:
			globalLogger.Infow("adapter state", "state", stateName(state))
		}
	}
}

func stateName(state uint8) string {
	switch state {
	case wire.HALAdapterStateOff:
		return "off"
	case wire.HALAdapterStateOn:
		return "on"
	default:
		return fmt.Sprintf("unknown (0x%02x)", state)
	}
}

func setupExitSignalHandling() (context.Context, func()) {
	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 16)
	activeBackgroundWorkers.Add(1)
	go func() {
		defer activeBackgroundWorkers.Done()
		defer cancel()
		for {
			var sig os.Signal
			select {
			case <-ctx.Done():
				return
			case sig = <-sigChan:
			}

			switch sig {
			case os.Interrupt, syscall.SIGQUIT, syscall.SIGABRT, syscall.SIGTERM:
				globalLogger.Info("exiting")
				signal.Ignore(os.Interrupt, syscall.SIGTERM, syscall.SIGABRT)
				return
			// config is only read at startup
			case syscall.SIGHUP:
			default:
				globalLogger.Debugw("received unknown signal", "signal", sig)
			}
		}
	}()

	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGABRT, syscall.SIGHUP)
	return ctx, cancel
}

// helper to log.Fatal if error is non-nil.
func exitIfError(err error) {
	if err != nil {
		globalLogger.Fatal(err)
	}
}
