package config

import (
	"fmt"
	"net"
	"strings"
)

// Validate rejects configurations that would put the node in an unusable
// state. It runs once at startup; a failure here is a startup failure, not a
// runtime one.
func (c *Config) Validate() error {
	if c.APIPort <= 0 || c.APIPort > 65535 {
		return fmt.Errorf("config: APIPort %d out of range", c.APIPort)
	}
	if c.P2PPort <= 0 || c.P2PPort > 65535 {
		return fmt.Errorf("config: P2PPort %d out of range", c.P2PPort)
	}
	if c.APIPort == c.P2PPort {
		return fmt.Errorf("config: APIPort and P2PPort both set to %d", c.APIPort)
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("config: DataDir must not be empty")
	}
	for _, seed := range c.Seeds {
		if _, _, err := net.SplitHostPort(seed); err != nil {
			return fmt.Errorf("config: seed %q is not host:port: %w", seed, err)
		}
	}
	if domain := strings.TrimSpace(c.SeedDomain); domain != "" {
		if strings.ContainsAny(domain, " :/") {
			return fmt.Errorf("config: SeedDomain %q is not a DNS name", c.SeedDomain)
		}
	}
	if c.PublicPort < 0 || c.PublicPort > 65535 {
		return fmt.Errorf("config: PublicPort %d out of range", c.PublicPort)
	}
	if host := strings.TrimSpace(c.PublicIP); host != "" {
		// Hostnames are allowed alongside literal IPs; only reject values
		// that cannot possibly name an endpoint.
		if net.ParseIP(host) == nil && strings.ContainsAny(host, " /:") {
			return fmt.Errorf("config: PublicIP %q is not an IP address or hostname", c.PublicIP)
		}
	}
	if c.MaxPeers <= 0 {
		return fmt.Errorf("config: MaxPeers must be positive")
	}
	if c.MinPeers < 0 || c.MinPeers > c.MaxPeers {
		return fmt.Errorf("config: MinPeers %d out of range (MaxPeers %d)", c.MinPeers, c.MaxPeers)
	}
	if c.FinalityDepth < 1 {
		return fmt.Errorf("config: FinalityDepth must be at least 1")
	}
	if c.SyncStallThreshold.Std() <= 0 {
		return fmt.Errorf("config: SyncStallThreshold must be positive")
	}
	if c.IntentExpiry.Std() <= 0 {
		return fmt.Errorf("config: IntentExpiry must be positive")
	}
	if c.ProbeInterval.Std() <= 0 || c.ProbeTimeout.Std() <= 0 {
		return fmt.Errorf("config: probe interval and timeout must be positive")
	}
	if c.ProbeTimeout.Std() <= c.ProbeInterval.Std() {
		return fmt.Errorf("config: ProbeTimeout must exceed ProbeInterval")
	}
	if c.HealthInterval.Std() <= 0 {
		return fmt.Errorf("config: HealthInterval must be positive")
	}
	return nil
}
