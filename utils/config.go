package utils

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"slices"
	"time"

	errw "github.com/pkg/errors"
	"github.com/tidwall/jsonc"
	"github.com/viamrobotics/btipc/wire"
)

// Daemon starter kinds.
const (
	StarterNone      = "none"
	StarterSystemd   = "systemd"
	StarterSystemctl = "systemctl"
	StarterSetprop   = "setprop"
)

var (
	DefaultConfiguration = TransportConfig{
		SocketPath:     wire.HALSocketPath,
		ConnectTimeout: Timeout(5 * time.Second),
		DaemonStarter:  StarterNone,
		Debug:          Tribool(0),
		BTPSocketPath:  wire.BTPSocketPath,
		HCIIndex:       0,
	}

	// Can be overwritten via cli arguments.
	ConfigFilePath = "/etc/btipc.json"
	CLIDebug       = false

	starters = []string{StarterNone, StarterSystemd, StarterSystemctl, StarterSetprop}
)

//nolint:recvcheck
type Tribool int

func (b Tribool) Get() bool {
	return b > 0
}

func (b Tribool) IsSet() bool {
	return b != 0
}

func (b Tribool) MarshalJSON() ([]byte, error) {
	if b == 1 {
		return []byte("true"), nil
	}
	return []byte("false"), nil
}

func (b *Tribool) UnmarshalJSON(data []byte) error {
	switch string(data) {
	case "true":
		*b = 1
	case "false":
		*b = -1
	default:
		*b = 0
	}
	return nil
}

// TransportConfig configures both binaries. Zero values fall back to
// DefaultConfiguration when stacked.
type TransportConfig struct {
	// SocketPath is the HAL rendezvous address, '@' prefix for abstract.
	SocketPath string `json:"socket_path,omitempty"`
	// ConnectTimeout bounds the wait for each daemon connection.
	ConnectTimeout Timeout `json:"connect_timeout,omitempty"`
	// DaemonName is what the starter is asked to start; empty skips starting.
	DaemonName    string  `json:"daemon_name,omitempty"`
	DaemonStarter string  `json:"daemon_starter,omitempty"`
	Debug         Tribool `json:"debug,omitempty"`

	BTPSocketPath string `json:"btp_socket_path,omitempty"`
	// HCIIndex is the only adapter btp-tester exposes as a GAP controller.
	HCIIndex int `json:"hci_index,omitempty"`
	// DiscoveryUUIDs restricts discovery to devices advertising one of these
	// services. 16 and 32 bit short forms are accepted.
	DiscoveryUUIDs []string `json:"discovery_uuids,omitempty"`
}

func DefaultConfig() TransportConfig {
	cfg := TransportConfig{}
	// round-trip to get a deep copy of the default config
	defBytes, err := json.Marshal(DefaultConfiguration)
	if err != nil {
		panic(err)
	}
	err = json.Unmarshal(defBytes, &cfg)
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadConfig returns the defaults with the file at path stacked over them. A
// missing file is not an error. Parse and validation problems are returned
// alongside a usable config.
func LoadConfig(path string) (TransportConfig, error) {
	cfg := DefaultConfig()
	var errOut error

	//nolint:gosec
	jsonBytes, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			errOut = errors.Join(errOut, errw.Wrapf(err, "reading %s", path))
		}
	} else {
		fileCfg := TransportConfig{}
		if err := json.Unmarshal(jsonc.ToJSON(jsonBytes), &fileCfg); err != nil {
			errOut = errors.Join(errOut, errw.Wrapf(err, "parsing %s", path))
		} else {
			cfg, err = StackConfigs(cfg, fileCfg)
			errOut = errors.Join(errOut, err)
		}
	}

	cfg, err = validateConfig(cfg)
	return cfg, errors.Join(errOut, err)
}

// StackConfigs merges the set fields of nextCfg over startCfg.
func StackConfigs(startCfg, nextCfg TransportConfig) (TransportConfig, error) {
	cfg := startCfg
	var errOut error

	jsonBytes, err := json.Marshal(nextCfg)
	if err != nil {
		errOut = errors.Join(errOut, err)
	} else {
		if err := json.Unmarshal(jsonBytes, &cfg); err != nil {
			errOut = errors.Join(errOut, err)
		}
	}
	return cfg, errOut
}

func ApplyCLIArgs(cfg TransportConfig) TransportConfig {
	if CLIDebug {
		cfg.Debug = 1
	}
	return cfg
}

func validateConfig(cfg TransportConfig) (TransportConfig, error) {
	var errOut error

	if cfg.SocketPath == "" {
		cfg.SocketPath = DefaultConfiguration.SocketPath
	}
	if cfg.BTPSocketPath == "" {
		cfg.BTPSocketPath = DefaultConfiguration.BTPSocketPath
	}

	if time.Duration(cfg.ConnectTimeout) <= 0 {
		errOut = errors.Join(errOut, errw.Errorf("connect_timeout %s must be positive, using %s",
			time.Duration(cfg.ConnectTimeout), time.Duration(DefaultConfiguration.ConnectTimeout)))
		cfg.ConnectTimeout = DefaultConfiguration.ConnectTimeout
	}

	if cfg.DaemonStarter == "" {
		cfg.DaemonStarter = StarterNone
	}
	if !slices.Contains(starters, cfg.DaemonStarter) {
		errOut = errors.Join(errOut, errw.Errorf("invalid daemon_starter (%s), must be one of %v", cfg.DaemonStarter, starters))
		cfg.DaemonStarter = StarterNone
	}

	if cfg.HCIIndex < 0 || cfg.HCIIndex >= int(wire.IndexNone) {
		errOut = errors.Join(errOut, errw.Errorf("invalid hci_index (%d), must be 0-%d", cfg.HCIIndex, wire.IndexNone-1))
		cfg.HCIIndex = 0
	}

	return cfg, errOut
}

// Timeout allows parsing golang-style durations (1h20m30s) OR minutes-as-float from/to json.
type Timeout time.Duration

func (t Timeout) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(t).String())
}

func (t *Timeout) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		*t = Timeout(value * float64(time.Minute))
		return nil
	case string:
		tmp, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		*t = Timeout(tmp)
		return nil
	default:
		return errw.Errorf("invalid duration: %#v", v)
	}
}
