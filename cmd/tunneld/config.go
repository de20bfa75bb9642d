package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/matst80/tunneld/internal/management"
	"github.com/matst80/tunneld/internal/remote"
	"github.com/matst80/tunneld/internal/tunnel"
)

// Config holds runtime configuration derived from flags and the optional
// YAML file.
type Config struct {
	RPCAddr        string
	RPCAddressFile string
	MetricsAddr    string
	ConfigFile     string
	OpenVPNBinary  string
	EventShim      string
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	RPCRate        int
	RPCBurst       int
	Debug          bool
}

// FileConfig is the layout of the -config file.
type FileConfig struct {
	Remotes []remote.Endpoint `yaml:"remotes"`
	OpenVPN tunnel.OpenVPN    `yaml:"openvpn"`
}

var defaultRemotes = []remote.Endpoint{
	{Host: "se5.mullvad.net", Port: 1300},
	{Host: "se6.mullvad.net", Port: 1300},
	{Host: "se7.mullvad.net", Port: 1300},
}

var cfg Config

func init() {
	flag.StringVar(&cfg.RPCAddr, "rpc", management.DefaultAddress, "management JSON-RPC websocket listen address")
	flag.StringVar(&cfg.RPCAddressFile, "rpc-address-file", "", "write the management URL to this file (removed on exit)")
	flag.StringVar(&cfg.MetricsAddr, "metrics", "127.0.0.1:9101", "metrics and health listen address (empty disables)")
	flag.StringVar(&cfg.ConfigFile, "config", "", "optional YAML file with remotes and openvpn settings")
	flag.StringVar(&cfg.OpenVPNBinary, "openvpn", "openvpn", "openvpn binary")
	flag.StringVar(&cfg.EventShim, "event-shim", "openvpn-event", "event shim run by openvpn as its up/down script")
	flag.StringVar(&cfg.RedisAddr, "redis", "", "mirror security states to this redis address")
	flag.StringVar(&cfg.RedisPassword, "redis-password", "", "redis password")
	flag.IntVar(&cfg.RedisDB, "redis-db", 0, "redis database")
	flag.IntVar(&cfg.RPCRate, "rpc-rate", 10, "management calls per second per connection (0 disables limiting)")
	flag.IntVar(&cfg.RPCBurst, "rpc-burst", 20, "management call burst per connection")
	flag.BoolVar(&cfg.Debug, "debug", false, "enable debug logs")
}

// loadFileConfig reads path and fills in defaults for whatever the file
// leaves out. An empty path yields the defaults alone.
func loadFileConfig(path string, c Config) (FileConfig, error) {
	fc := FileConfig{}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return fc, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &fc); err != nil {
			return fc, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if len(fc.Remotes) == 0 {
		fc.Remotes = append([]remote.Endpoint(nil), defaultRemotes...)
	}
	for i, ep := range fc.Remotes {
		if ep.Host == "" || ep.Port == 0 {
			return fc, fmt.Errorf("config remote %d: host and port are required", i)
		}
	}
	if fc.OpenVPN.Binary == "" {
		fc.OpenVPN.Binary = c.OpenVPNBinary
	}
	if fc.OpenVPN.EventShim == "" {
		fc.OpenVPN.EventShim = c.EventShim
	}
	if fc.OpenVPN.KillTimeout == 0 {
		fc.OpenVPN.KillTimeout = 5 * time.Second
	}
	return fc, nil
}
