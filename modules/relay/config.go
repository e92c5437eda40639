package relay

import (
	"flag"
	"time"

	"github.com/zachfi/zkit/pkg/util"
)

const (
	defaultUpdateInterval = 120 * time.Second
	defaultMasterUsername = "relay"
)

// RelayConfig describes one statically configured relay.
type RelayConfig struct {
	Server      string `yaml:"server"`
	Port        int    `yaml:"port"`
	Mount       string `yaml:"mount"`
	LocalMount  string `yaml:"local_mount,omitempty"`
	Username    string `yaml:"username,omitempty"`
	Password    string `yaml:"password,omitempty"`
	MP3Metadata bool   `yaml:"mp3metadata"`
	OnDemand    bool   `yaml:"on_demand,omitempty"`
	Enable      bool   `yaml:"enable"`
}

// UnmarshalYAML applies the defaults a relay entry gets when the YAML
// omits a key: metadata forwarding and enable are both on unless the
// config says otherwise, and local_mount falls back to the upstream mount.
func (rc *RelayConfig) UnmarshalYAML(unmarshal func(interface{}) error) error {
	type rawRelay RelayConfig
	raw := rawRelay{MP3Metadata: true, Enable: true}
	if err := unmarshal(&raw); err != nil {
		return err
	}
	*rc = RelayConfig(raw)
	if rc.LocalMount == "" {
		rc.LocalMount = rc.Mount
	}
	return nil
}

// MountConfig carries the per-mount settings the supervisor pushes onto a
// reserved slot: the fallback mount listeners move to on failure, whether
// that fallback is overridden when the relay can reconnect, and a
// saturation limit for the listener subsystem.
type MountConfig struct {
	Mount            string `yaml:"mount"`
	FallbackMount    string `yaml:"fallback_mount,omitempty"`
	FallbackOverride bool   `yaml:"fallback_override,omitempty"`
	MaxListeners     int    `yaml:"max_listeners,omitempty"`
}

type Config struct {
	Hostname             string        `yaml:"hostname,omitempty"`
	MasterServer         string        `yaml:"master_server,omitempty"`
	MasterServerPort     int           `yaml:"master_server_port,omitempty"`
	MasterSSLPort        int           `yaml:"master_ssl_port,omitempty"`
	MasterUsername       string        `yaml:"master_username,omitempty"`
	MasterPassword       string        `yaml:"master_password,omitempty"`
	MasterUpdateInterval time.Duration `yaml:"master_update_interval,omitempty"`
	MasterRelayAuth      bool          `yaml:"master_relay_auth,omitempty"`
	MasterRedirectPort   int           `yaml:"master_redirect_port,omitempty"`
	OnDemand             bool          `yaml:"on_demand,omitempty"`

	Relays []RelayConfig `yaml:"relay,omitempty"`
	Mounts []MountConfig `yaml:"mounts,omitempty"`
}

// findMount returns the mount settings for mount, or nil.
func (cfg *Config) findMount(mount string) *MountConfig {
	for i := range cfg.Mounts {
		if cfg.Mounts[i].Mount == mount {
			return &cfg.Mounts[i]
		}
	}
	return nil
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Hostname, util.PrefixConfig(prefix, "hostname"), "localhost",
		"Hostname this server advertises in the ice-redirect header sent upstream")
	f.StringVar(&cfg.MasterServer, util.PrefixConfig(prefix, "master-server"), "",
		"Master server to poll for a streamlist of mounts to relay")
	f.IntVar(&cfg.MasterServerPort, util.PrefixConfig(prefix, "master-server-port"), 0,
		"Port of the master server")
	f.IntVar(&cfg.MasterSSLPort, util.PrefixConfig(prefix, "master-ssl-port"), 0,
		"If set, fetch the streamlist over https on this port instead")
	f.StringVar(&cfg.MasterUsername, util.PrefixConfig(prefix, "master-username"), defaultMasterUsername,
		"Username for the master streamlist fetch")
	f.StringVar(&cfg.MasterPassword, util.PrefixConfig(prefix, "master-password"), "",
		"Password for the master streamlist fetch")
	f.DurationVar(&cfg.MasterUpdateInterval, util.PrefixConfig(prefix, "master-update-interval"), defaultUpdateInterval,
		"How often to refresh the streamlist from the master server")
	f.BoolVar(&cfg.MasterRelayAuth, util.PrefixConfig(prefix, "master-relay-auth"), false,
		"Send the master credentials on each relay fetch as well")
	f.IntVar(&cfg.MasterRedirectPort, util.PrefixConfig(prefix, "master-redirect-port"), 0,
		"If set, announce ourselves to the upstream as a redirect target on this port")
	f.BoolVar(&cfg.OnDemand, util.PrefixConfig(prefix, "on-demand"), false,
		"Default on_demand setting for relays discovered from the master streamlist")
}

// updateIntervalSeconds returns the poll interval as whole control-loop
// ticks, at least 1.
func (cfg *Config) updateIntervalSeconds() int {
	secs := int(cfg.MasterUpdateInterval / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}
