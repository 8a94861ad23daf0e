package utils

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.viam.com/test"
)

// basic test for the config structure names.
func TestConvertJson(t *testing.T) {
	jsonBytes := `
{
	"socket_path": "@test_hal",
	"connect_timeout": "2s",
	"daemon_name": "bluetoothd",
	"daemon_starter": "systemctl",
	"debug": true,
	"btp_socket_path": "/run/btp.sock",
	"hci_index": 1,
	"discovery_uuids": ["180d", "0000fe9f-0000-1000-8000-00805f9b34fb"]
}
`
	cfg := TransportConfig{}
	err := json.Unmarshal([]byte(jsonBytes), &cfg)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg.SocketPath, test.ShouldEqual, "@test_hal")
	test.That(t, time.Duration(cfg.ConnectTimeout), test.ShouldEqual, 2*time.Second)
	test.That(t, cfg.DaemonName, test.ShouldEqual, "bluetoothd")
	test.That(t, cfg.DaemonStarter, test.ShouldEqual, StarterSystemctl)
	test.That(t, cfg.Debug.Get(), test.ShouldBeTrue)
	test.That(t, cfg.BTPSocketPath, test.ShouldEqual, "/run/btp.sock")
	test.That(t, cfg.HCIIndex, test.ShouldEqual, 1)
	test.That(t, cfg.DiscoveryUUIDs, test.ShouldHaveLength, 2)
}

func TestTimeoutMinutes(t *testing.T) {
	var to Timeout
	test.That(t, json.Unmarshal([]byte(`1.5`), &to), test.ShouldBeNil)
	test.That(t, time.Duration(to), test.ShouldEqual, 90*time.Second)

	test.That(t, json.Unmarshal([]byte(`"250ms"`), &to), test.ShouldBeNil)
	test.That(t, time.Duration(to), test.ShouldEqual, 250*time.Millisecond)

	test.That(t, json.Unmarshal([]byte(`true`), &to), test.ShouldNotBeNil)
}

func TestTribool(t *testing.T) {
	var b Tribool
	test.That(t, b.IsSet(), test.ShouldBeFalse)
	test.That(t, json.Unmarshal([]byte(`false`), &b), test.ShouldBeNil)
	test.That(t, b.IsSet(), test.ShouldBeTrue)
	test.That(t, b.Get(), test.ShouldBeFalse)
	test.That(t, json.Unmarshal([]byte(`null`), &b), test.ShouldBeNil)
	test.That(t, b.IsSet(), test.ShouldBeFalse)
}

func TestLoadConfig(t *testing.T) {
	t.Run("missing file gives defaults", func(t *testing.T) {
		cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.json"))
		test.That(t, err, test.ShouldBeNil)
		test.That(t, cfg, test.ShouldResemble, DefaultConfig())
		test.That(t, time.Duration(cfg.ConnectTimeout), test.ShouldEqual, 5*time.Second)
		test.That(t, cfg.SocketPath, test.ShouldEqual, "@bluez_hal_socket")
	})

	t.Run("jsonc stacked over defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "btipc.json")
		contents := `{
			// start the daemon through systemd
			"daemon_name": "bluetooth.service",
			"daemon_starter": "systemd", /* trailing comma below */
		}`
		test.That(t, os.WriteFile(path, []byte(contents), 0o600), test.ShouldBeNil)

		cfg, err := LoadConfig(path)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, cfg.DaemonName, test.ShouldEqual, "bluetooth.service")
		test.That(t, cfg.DaemonStarter, test.ShouldEqual, StarterSystemd)
		test.That(t, cfg.SocketPath, test.ShouldEqual, DefaultConfiguration.SocketPath)
		test.That(t, cfg.ConnectTimeout, test.ShouldEqual, DefaultConfiguration.ConnectTimeout)
	})

	t.Run("invalid values fall back", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "btipc.json")
		contents := `{"daemon_starter": "initd", "connect_timeout": "-1s", "hci_index": 300}`
		test.That(t, os.WriteFile(path, []byte(contents), 0o600), test.ShouldBeNil)

		cfg, err := LoadConfig(path)
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, "daemon_starter")
		test.That(t, err.Error(), test.ShouldContainSubstring, "connect_timeout")
		test.That(t, err.Error(), test.ShouldContainSubstring, "hci_index")
		test.That(t, cfg.DaemonStarter, test.ShouldEqual, StarterNone)
		test.That(t, cfg.ConnectTimeout, test.ShouldEqual, DefaultConfiguration.ConnectTimeout)
		test.That(t, cfg.HCIIndex, test.ShouldEqual, 0)
	})

	t.Run("unparseable file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "btipc.json")
		test.That(t, os.WriteFile(path, []byte(`{"socket_path": 5}`), 0o600), test.ShouldBeNil)

		cfg, err := LoadConfig(path)
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, cfg.SocketPath, test.ShouldEqual, DefaultConfiguration.SocketPath)
	})
}

func TestApplyCLIArgs(t *testing.T) {
	old := CLIDebug
	t.Cleanup(func() { CLIDebug = old })
	CLIDebug = true
	cfg := ApplyCLIArgs(DefaultConfig())
	test.That(t, cfg.Debug.Get(), test.ShouldBeTrue)
}
