package config

import (
	"fmt"
	"net"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Validate checks the configuration for values the node cannot start with.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config: nil")
	}
	if _, _, err := net.SplitHostPort(strings.TrimSpace(c.RPCAddress)); err != nil {
		return fmt.Errorf("RPCAddress: %w", err)
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("DataDir must be set")
	}
	if authority := strings.TrimSpace(c.Authority); authority != "" {
		if !common.IsHexAddress(authority) || common.HexToAddress(authority) == (common.Address{}) {
			return fmt.Errorf("Authority: invalid address %q", c.Authority)
		}
	}
	if c.RPCRateLimit < 0 {
		return fmt.Errorf("RPCRateLimit must not be negative")
	}
	if c.RPCRateLimit > 0 && c.RPCBurst <= 0 {
		return fmt.Errorf("RPCBurst must be positive when RPCRateLimit is set")
	}
	if c.RPCReadTimeout < 0 || c.RPCWriteTimeout < 0 {
		return fmt.Errorf("RPC timeouts must not be negative")
	}
	if c.EventLogSize <= 0 {
		return fmt.Errorf("EventLogSize must be positive")
	}
	return nil
}

// AuthorityAddress returns the configured neutral authority, if any.
func (c *Config) AuthorityAddress() (common.Address, bool) {
	authority := strings.TrimSpace(c.Authority)
	if authority == "" || !common.IsHexAddress(authority) {
		return common.Address{}, false
	}
	addr := common.HexToAddress(authority)
	return addr, addr != (common.Address{})
}
