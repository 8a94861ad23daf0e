package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/jessevdk/go-flags"
	"github.com/pkg/errors"
	"github.com/viamrobotics/btipc/utils"
	"go.viam.com/rdk/logging"
)

const binaryName = "btp-tester"

var (
	activeBackgroundWorkers sync.WaitGroup

	// only changed/set at startup, so no mutex.
	globalLogger = logging.NewLogger(binaryName)
)

//nolint:lll
type testerOpts struct {
	Config  string `default:"/etc/btipc.json"        description:"Path to config file"                     long:"config"  short:"c"`
	Socket  string `description:"BTP socket path, overrides btp_socket_path" env:"BTP_TESTER_SOCKET" long:"socket" short:"s"`
	Debug   bool   `description:"Enable debug logging" env:"BTP_TESTER_DEBUG"                            long:"debug"   short:"d"`
	Help    bool   `description:"Show this help message" long:"help"                                       short:"h"`
	Version bool   `description:"Show version"           long:"version"                                    short:"v"`
}

func main() {
	ctx, cancel := setupExitSignalHandling()

	defer func() {
		cancel()
		activeBackgroundWorkers.Wait()
	}()

	var opts testerOpts

	parser := flags.NewParser(&opts, flags.IgnoreUnknown)
	parser.Usage = "answers a Bluetooth test driver over the BTP socket."

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
		cfg.BTPSocketPath = opts.Socket
	}

	// one tester per driver socket
	pidFile, err := utils.GetLock(globalLogger, binaryName)
	exitIfError(err)
	defer func() {
		if err := pidFile.Unlock(); err != nil {
			globalLogger.Error(errors.Wrapf(err, "unlocking %s", pidFile))
		}
	}()

	globalLogger.Infof("%s version: %s git revision: %s", binaryName, utils.GetVersion(), utils.GetRevision())
	if err := run(ctx, cfg); err != nil {
		globalLogger.Error(err)
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
