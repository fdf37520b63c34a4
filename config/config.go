package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Environment variable names recognized as overrides. Every deployment knob
// the launch scripts set lands on one of these.
const (
	EnvAPIPort      = "VISION_API_PORT"
	EnvP2PPort      = "VISION_P2P_PORT"
	EnvSeeds        = "VISION_SEEDS"
	EnvPublicIP     = "VISION_PUBLIC_IP"
	EnvPublicPort   = "VISION_PUBLIC_PORT"
	EnvAnchorSeeds  = "VISION_ANCHOR_SEEDS"
	EnvSeedFile     = "VISION_SEED_FILE"
	EnvSeedDomain   = "VISION_SEED_DOMAIN"
	EnvDataDir      = "VISION_DATA_DIR"
	EnvAllowSimHook = "VISION_ALLOW_SIM_WEBHOOKS"
)

// DefaultSeeds is the built-in bootstrap list used when no seeds are
// configured through the file, environment, or seed-peers file.
var DefaultSeeds = []string{
	"seed1.visionmesh.net:7645",
	"seed2.visionmesh.net:7645",
}

type Config struct {
	APIPort     int    `toml:"APIPort"`
	P2PPort     int    `toml:"P2PPort"`
	DataDir     string `toml:"DataDir"`
	NetworkName string `toml:"NetworkName"`

	Seeds         []string `toml:"Seeds"`
	SeedPeersFile string   `toml:"SeedPeersFile"`
	SeedDomain    string   `toml:"SeedDomain"`
	PublicIP      string   `toml:"PublicIP"`
	PublicPort    int      `toml:"PublicPort"`

	AnchorSeeds []string `toml:"AnchorSeeds"`

	KeystorePath string `toml:"KeystorePath"`

	MaxPeers int `toml:"MaxPeers"`
	MinPeers int `toml:"MinPeers"`

	FinalityDepth      uint64   `toml:"FinalityDepth"`
	SyncStallThreshold Duration `toml:"SyncStallThreshold"`
	IntentExpiry       Duration `toml:"IntentExpiry"`
	ProbeInterval      Duration `toml:"ProbeInterval"`
	ProbeTimeout       Duration `toml:"ProbeTimeout"`
	HealthInterval     Duration `toml:"HealthInterval"`

	AllowSimulatedWebhooks bool `toml:"AllowSimulatedWebhooks"`

	LogFile string `toml:"LogFile"`
}

// Duration wraps time.Duration so TOML files can use "90s" style values.
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns the configuration used when no file and no overrides are
// present. Every field has a working value so the node can start with an
// entirely empty environment.
func Default() *Config {
	return &Config{
		APIPort:                8645,
		P2PPort:                7645,
		DataDir:                "./vision-data",
		NetworkName:            "vision-local",
		Seeds:                  append([]string{}, DefaultSeeds...),
		MaxPeers:               64,
		MinPeers:               3,
		FinalityDepth:          12,
		SyncStallThreshold:     Duration(2 * time.Minute),
		IntentExpiry:           Duration(30 * time.Minute),
		ProbeInterval:          Duration(30 * time.Second),
		ProbeTimeout:           Duration(2 * time.Minute),
		HealthInterval:         Duration(10 * time.Second),
		AllowSimulatedWebhooks: false,
	}
}

// Load reads the configuration file at path when it exists, layers
// environment overrides on top, and validates the result. A missing file is
// not an error; the defaults apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	if strings.TrimSpace(path) != "" {
		if _, err := os.Stat(path); err == nil {
			meta, err := toml.DecodeFile(path, cfg)
			if err != nil {
				return nil, fmt.Errorf("config: decode %s: %w", path, err)
			}
			if undecoded := meta.Undecoded(); len(undecoded) > 0 {
				return nil, fmt.Errorf("config: unrecognized option %q in %s", undecoded[0].String(), path)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: stat %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvAPIPort); ok {
		port, err := parsePort(EnvAPIPort, v)
		if err != nil {
			return err
		}
		c.APIPort = port
	}
	if v, ok := lookup(EnvP2PPort); ok {
		port, err := parsePort(EnvP2PPort, v)
		if err != nil {
			return err
		}
		c.P2PPort = port
	}
	if v, ok := lookup(EnvSeeds); ok {
		c.Seeds = splitList(v)
	}
	if v, ok := lookup(EnvPublicIP); ok {
		c.PublicIP = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvPublicPort); ok {
		port, err := parsePort(EnvPublicPort, v)
		if err != nil {
			return err
		}
		c.PublicPort = port
	}
	if v, ok := lookup(EnvAnchorSeeds); ok {
		c.AnchorSeeds = splitList(v)
	}
	if v, ok := lookup(EnvSeedFile); ok {
		c.SeedPeersFile = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvSeedDomain); ok {
		c.SeedDomain = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvDataDir); ok {
		c.DataDir = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvAllowSimHook); ok {
		enabled, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("config: %s=%q is not a boolean", EnvAllowSimHook, v)
		}
		c.AllowSimulatedWebhooks = enabled
	}
	return nil
}

// ListenAddress returns the local mesh listen address.
func (c *Config) ListenAddress() string {
	return fmt.Sprintf(":%d", c.P2PPort)
}

// APIAddress returns the HTTP control API listen address.
func (c *Config) APIAddress() string {
	return fmt.Sprintf(":%d", c.APIPort)
}

// AdvertisedAddress returns the NAT-aware endpoint to advertise to peers, or
// "" when the node should advertise its locally observed socket address.
func (c *Config) AdvertisedAddress() string {
	if strings.TrimSpace(c.PublicIP) == "" {
		return ""
	}
	port := c.PublicPort
	if port == 0 {
		port = c.P2PPort
	}
	return fmt.Sprintf("%s:%d", strings.TrimSpace(c.PublicIP), port)
}

func parsePort(name, value string) (int, error) {
	port, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("config: %s=%q is not a port number", name, value)
	}
	return port, nil
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
