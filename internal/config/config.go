package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"meshledger/internal/proto"
)

const EnvPrefix = "MESHLEDGER"

// Config is the root configuration struct
type Config struct {
	Node    NodeConfig    `mapstructure:"node"`
	Ledger  LedgerConfig  `mapstructure:"ledger"`
	Trust   TrustConfig   `mapstructure:"trust"`
	Mesh    MeshConfig    `mapstructure:"mesh"`
	Radio   RadioConfig   `mapstructure:"radio"`
	Kiosk   KioskConfig   `mapstructure:"kiosk"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// NodeConfig identifies this device
type NodeConfig struct {
	Address  uint16 `mapstructure:"address"`
	DeviceID string `mapstructure:"deviceID"`
	Owner    string `mapstructure:"owner"`
	DataDir  string `mapstructure:"dataDir"`
	KeyDir   string `mapstructure:"keyDir"`
	Keyring  string `mapstructure:"keyring"`
	LogLevel string `mapstructure:"logLevel"`
	Debug    bool   `mapstructure:"debug"`
	// Pprof is the profiling listen address; empty disables it.
	Pprof       string `mapstructure:"pprof"`
	PprofPublic bool   `mapstructure:"pprofPublic"`
}

// LedgerConfig holds store sizing and validation policy
type LedgerConfig struct {
	Capacity            uint32   `mapstructure:"capacity"`
	CheckpointInterval  uint32   `mapstructure:"checkpointInterval"`
	PendingCapacity     int      `mapstructure:"pendingCapacity"`
	DeferredCapacity    int      `mapstructure:"deferredCapacity"`
	DriftSlack          uint32   `mapstructure:"driftSlack"`
	MaxMissingAncestors int      `mapstructure:"maxMissingAncestors"`
	MaxSingleAmount     uint64   `mapstructure:"maxSingleAmount"`
	EpochLength         uint32   `mapstructure:"epochLength"`
	EpochSendCap        uint64   `mapstructure:"epochSendCap"`
	TrustHardFloor      uint8    `mapstructure:"trustHardFloor"`
	TrustSoftFloor      uint8    `mapstructure:"trustSoftFloor"`
	Issuers             []string `mapstructure:"issuers"`
}

// TrustConfig holds the local score table settings
type TrustConfig struct {
	Default     uint8    `mapstructure:"default"`
	Capacity    int      `mapstructure:"capacity"`
	Authorities []string `mapstructure:"authorities"`
}

// MeshConfig holds gossip timing and buffer sizes
type MeshConfig struct {
	PacketSize       int           `mapstructure:"packetSize"`
	TTL              uint8         `mapstructure:"ttl"`
	InboundQueue     int           `mapstructure:"inboundQueue"`
	Tick             time.Duration `mapstructure:"tick"`
	Heartbeat        time.Duration `mapstructure:"heartbeat"`
	SummaryRequest   time.Duration `mapstructure:"summaryRequest"`
	RequestTimeout   time.Duration `mapstructure:"requestTimeout"`
	SyncSlots        int           `mapstructure:"syncSlots"`
	OutboxCapacity   int           `mapstructure:"outboxCapacity"`
	RetryBase        time.Duration `mapstructure:"retryBase"`
	MaxRetry         int           `mapstructure:"maxRetry"`
	ReplayRawCache   int           `mapstructure:"replayRawCache"`
	ReplayMessageIDs int           `mapstructure:"replayMessageIDs"`
	NeighborTimeout  time.Duration `mapstructure:"neighborTimeout"`
	NeighborCapacity int           `mapstructure:"neighborCapacity"`
}

// RadioConfig selects the link the mesh runs over
type RadioConfig struct {
	Listen   string   `mapstructure:"listen"`
	Peers    []string `mapstructure:"peers"`
	Insecure bool     `mapstructure:"insecure"`
}

// KioskConfig holds the local HTTP surface settings
type KioskConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Listen     string `mapstructure:"listen"`
	Passphrase string `mapstructure:"passphrase"`
}

type MetricsConfig struct {
	Path     string        `mapstructure:"path"`
	Interval time.Duration `mapstructure:"interval"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("node.address", 1)
	v.SetDefault("node.owner", "")
	v.SetDefault("node.deviceID", "")
	v.SetDefault("node.dataDir", "./data")
	v.SetDefault("node.keyDir", "./data/keys")
	v.SetDefault("node.keyring", "./data/keyring.jsonl")
	v.SetDefault("node.logLevel", "info")
	v.SetDefault("node.debug", false)
	v.SetDefault("node.pprof", "")
	v.SetDefault("node.pprofPublic", false)

	v.SetDefault("ledger.capacity", 4096)
	v.SetDefault("ledger.checkpointInterval", 100)
	v.SetDefault("ledger.pendingCapacity", 32)
	v.SetDefault("ledger.deferredCapacity", 32)
	v.SetDefault("ledger.driftSlack", 100000)
	v.SetDefault("ledger.maxMissingAncestors", 1)
	v.SetDefault("ledger.maxSingleAmount", 50000)
	v.SetDefault("ledger.epochLength", 1000)
	v.SetDefault("ledger.epochSendCap", 100000)
	v.SetDefault("ledger.trustHardFloor", 20)
	v.SetDefault("ledger.trustSoftFloor", 50)
	v.SetDefault("ledger.issuers", []string{})

	v.SetDefault("trust.default", 70)
	v.SetDefault("trust.capacity", 256)
	v.SetDefault("trust.authorities", []string{})

	v.SetDefault("mesh.packetSize", proto.MaxPacketSize)
	v.SetDefault("mesh.ttl", proto.DefaultTTL)
	v.SetDefault("mesh.inboundQueue", 64)
	v.SetDefault("mesh.tick", 200*time.Millisecond)
	v.SetDefault("mesh.heartbeat", 15*time.Second)
	v.SetDefault("mesh.summaryRequest", 60*time.Second)
	v.SetDefault("mesh.requestTimeout", 10*time.Second)
	v.SetDefault("mesh.syncSlots", 4)
	v.SetDefault("mesh.outboxCapacity", 32)
	v.SetDefault("mesh.retryBase", 5*time.Second)
	v.SetDefault("mesh.maxRetry", 5)
	v.SetDefault("mesh.replayRawCache", 128)
	v.SetDefault("mesh.replayMessageIDs", 32)
	v.SetDefault("mesh.neighborTimeout", 5*time.Minute)
	v.SetDefault("mesh.neighborCapacity", 32)

	v.SetDefault("radio.listen", "127.0.0.1:7400")
	v.SetDefault("radio.peers", []string{})
	v.SetDefault("radio.insecure", false)

	v.SetDefault("kiosk.enabled", false)
	v.SetDefault("kiosk.listen", "127.0.0.1:7480")
	v.SetDefault("kiosk.passphrase", "")

	v.SetDefault("metrics.path", "")
	v.SetDefault("metrics.interval", 30*time.Second)
}

// Load reads configuration from file and environment. MESHLEDGER_NODE_OWNER
// overrides node.owner and so on.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("meshledger")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || cfgFile != "" {
			return nil, errors.Wrap(err, "read config")
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	return cfg, nil
}

// Validate checks settings the node cannot run without. Identity fields
// may still be empty here; the CLI fills them before starting.
func (c *Config) Validate() error {
	switch {
	case c.Node.Address == proto.Broadcast:
		return errors.New("node.address must not be the broadcast address")
	case c.Node.Owner != "" && !proto.ValidIdentity(c.Node.Owner):
		return errors.Errorf("node.owner must be 1..%d bytes", proto.IdentitySize)
	case c.Node.DeviceID != "" && !proto.ValidIdentity(c.Node.DeviceID):
		return errors.Errorf("node.deviceID must be 1..%d bytes", proto.IdentitySize)
	case c.Mesh.PacketSize < proto.MinTxPacketSize || c.Mesh.PacketSize > proto.MaxPacketSize:
		return errors.Errorf("mesh.packetSize must be within %d..%d", proto.MinTxPacketSize, proto.MaxPacketSize)
	case c.Mesh.TTL == 0 || c.Mesh.TTL > proto.MaxHops:
		return errors.Errorf("mesh.ttl must be within 1..%d", proto.MaxHops)
	case c.Mesh.Tick <= 0:
		return errors.New("mesh.tick must be positive")
	case c.Ledger.Capacity == 0:
		return errors.New("ledger.capacity must be positive")
	case c.Ledger.TrustSoftFloor > 100 || c.Ledger.TrustHardFloor > c.Ledger.TrustSoftFloor:
		return errors.New("ledger trust floors must satisfy hard <= soft <= 100")
	case c.Trust.Default > 100:
		return errors.New("trust.default must be <= 100")
	}
	for _, id := range append(append([]string(nil), c.Ledger.Issuers...), c.Trust.Authorities...) {
		if !proto.ValidIdentity(id) {
			return errors.Errorf("bad identity %q", id)
		}
	}
	return nil
}
