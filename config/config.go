// Package config implements the TOML configuration tree: one Go struct
// tree unmarshaled by viper, with the mutual-exclusion and range checks
// the filter/capture layers rely on at startup enforced once, right
// after load, rather than scattered through the packages that consume
// the config.
package config

import (
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Config is the top-level TOML document.
type Config struct {
	MainCore  uint32    `mapstructure:"main_core"`
	Mempool   Mempool   `mapstructure:"mempool"`
	Conntrack Conntrack `mapstructure:"conntrack"`
	Online    *Online   `mapstructure:"online"`
	Offline   *Offline  `mapstructure:"offline"`
}

// Mempool sizes the packet buffer pool.
type Mempool struct {
	Capacity  uint32 `mapstructure:"capacity"`
	CacheSize uint32 `mapstructure:"cache_size"`
}

// Conntrack sizes and times out the per-core connection table.
type Conntrack struct {
	MaxConnections         uint32 `mapstructure:"max_connections"`
	MaxOutOfOrder          uint32 `mapstructure:"max_out_of_order"`
	TimeoutResolutionMS    uint32 `mapstructure:"timeout_resolution_ms"`
	UDPInactivityTimeoutMS uint32 `mapstructure:"udp_inactivity_timeout_ms"`
	TCPInactivityTimeoutMS uint32 `mapstructure:"tcp_inactivity_timeout_ms"`
	TCPEstablishTimeoutMS  uint32 `mapstructure:"tcp_establish_timeout_ms"`
	InitSynAck             bool   `mapstructure:"init_synack"`
	InitFin                bool   `mapstructure:"init_fin"`
	InitRst                bool   `mapstructure:"init_rst"`
	InitData               bool   `mapstructure:"init_data"`
}

// TimeoutResolution returns the wheel sweep resolution as a time.Duration.
func (c Conntrack) TimeoutResolution() time.Duration {
	return time.Duration(c.TimeoutResolutionMS) * time.Millisecond
}

// UDPInactivity returns the UDP inactivity window as a time.Duration.
func (c Conntrack) UDPInactivity() time.Duration {
	return time.Duration(c.UDPInactivityTimeoutMS) * time.Millisecond
}

// TCPInactivity returns the TCP inactivity window as a time.Duration.
func (c Conntrack) TCPInactivity() time.Duration {
	return time.Duration(c.TCPInactivityTimeoutMS) * time.Millisecond
}

// Port is one NIC port assigned to a set of worker cores.
type Port struct {
	Device string `mapstructure:"device"`
	Cores  []int  `mapstructure:"cores"`
	Sink   *Sink  `mapstructure:"sink"`
}

// Sink is an optional sink core attached to a port: it polls and counts
// packets without feeding them into the connection tracker.
type Sink struct {
	Core      int `mapstructure:"core"`
	NBBuckets int `mapstructure:"nb_buckets"`
}

// Online configures live capture against real NIC ports.
type Online struct {
	DurationS      uint32   `mapstructure:"duration_s"`
	Promiscuous    bool     `mapstructure:"promiscuous"`
	NBRxd          uint32   `mapstructure:"nb_rxd"`
	MTU            uint32   `mapstructure:"mtu"`
	HardwareAssist bool     `mapstructure:"hardware_assist"`
	DPDKSuplArgs   []string `mapstructure:"dpdk_supl_args"`
	Monitor        *Monitor `mapstructure:"monitor"`
	Ports          []Port   `mapstructure:"ports"`
}

// Monitor configures the periodic metrics/idle-counter poll on the main
// core.
type Monitor struct {
	PollIntervalMS uint32 `mapstructure:"poll_interval_ms"`
}

// Offline configures a single pcap file replay.
type Offline struct {
	Pcap string `mapstructure:"pcap"`
	MTU  uint32 `mapstructure:"mtu"`
}

// Load reads and validates a TOML config file at path.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "config: failed to read %s", path)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "config: failed to unmarshal")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate enforces the mutual-exclusion and minimum-size checks that
// are fatal at startup.
func (c *Config) Validate() error {
	if c.Online == nil && c.Offline == nil {
		return errors.New("config: exactly one of [online] or [offline] must be set, got neither")
	}
	if c.Online != nil && c.Offline != nil {
		return errors.New("config: exactly one of [online] or [offline] must be set, got both")
	}
	if c.Online != nil {
		for _, p := range c.Online.Ports {
			if p.Sink != nil && p.Sink.NBBuckets < 1 {
				return errors.Errorf("config: port %s sink.nb_buckets must be >= 1, got %d", p.Device, p.Sink.NBBuckets)
			}
			if len(p.Cores) == 0 {
				return errors.Errorf("config: port %s must be assigned at least one core", p.Device)
			}
		}
	}
	if c.Offline != nil && c.Offline.Pcap == "" {
		return errors.New("config: [offline] requires a pcap path")
	}
	return nil
}
