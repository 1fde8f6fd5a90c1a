package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// LedgerConfig defines the ledger connection and retry policy
type LedgerConfig struct {
	Mode            string `json:"mode,omitempty" yaml:"mode,omitempty" validate:"required,ledgermode"`
	RPCURL          string `json:"rpc_url,omitempty" yaml:"rpc_url,omitempty" validate:"required_if=Mode ethereum,omitempty,url"`
	ContractAddress string `json:"contract_address,omitempty" yaml:"contract_address,omitempty" validate:"required_if=Mode ethereum,omitempty,eth_addr"`
	PrivateKey      string `json:"private_key,omitempty" yaml:"private_key,omitempty" validate:"omitempty,hexkey"`
	PrivateKeyFile  string `json:"private_key_file,omitempty" yaml:"private_key_file,omitempty" validate:"omitempty,fileexists"`
	ABIFile         string `json:"abi_file,omitempty" yaml:"abi_file,omitempty" validate:"omitempty,fileexists"`
	ChainID         int64  `json:"chain_id,omitempty" yaml:"chain_id,omitempty" validate:"min=0"`
	GasLimit        uint64 `json:"gas_limit,omitempty" yaml:"gas_limit,omitempty"`
	CallTimeoutSecs int    `json:"call_timeout_secs,omitempty" yaml:"call_timeout_secs,omitempty" validate:"min=1"`
	MaxAttempts     int    `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty" validate:"min=1"`
	RetryBaseMillis int    `json:"retry_base_millis,omitempty" yaml:"retry_base_millis,omitempty" validate:"min=1"`
	RetryMaxMillis  int    `json:"retry_max_millis,omitempty" yaml:"retry_max_millis,omitempty" validate:"gtefield=RetryBaseMillis"`
}

// NewDefaultLedgerConfig creates default ledger configuration
func NewDefaultLedgerConfig() LedgerConfig {
	return LedgerConfig{
		Mode:            DefaultLedgerMode,
		GasLimit:        DefaultLedgerGasLimit,
		CallTimeoutSecs: DefaultLedgerCallTimeoutSecs,
		MaxAttempts:     DefaultLedgerMaxAttempts,
		RetryBaseMillis: DefaultLedgerRetryBaseMillis,
		RetryMaxMillis:  DefaultLedgerRetryMaxMillis,
	}
}

// CallTimeout returns the total budget for one ledger call.
func (c LedgerConfig) CallTimeout() time.Duration {
	return time.Duration(c.CallTimeoutSecs) * time.Second
}

// RetryBase returns the first backoff interval.
func (c LedgerConfig) RetryBase() time.Duration {
	return time.Duration(c.RetryBaseMillis) * time.Millisecond
}

// RetryMax returns the backoff interval cap.
func (c LedgerConfig) RetryMax() time.Duration {
	return time.Duration(c.RetryMaxMillis) * time.Millisecond
}

// SigningKey returns the configured key, reading PrivateKeyFile when the
// inline key is empty.
func (c LedgerConfig) SigningKey() (string, error) {
	if c.PrivateKey != "" {
		return c.PrivateKey, nil
	}
	if c.PrivateKeyFile == "" {
		return "", fmt.Errorf("ledger_config: private_key or private_key_file is required in %s mode", c.Mode)
	}
	data, err := os.ReadFile(c.PrivateKeyFile)
	if err != nil {
		return "", fmt.Errorf("read private key file '%s': %w", c.PrivateKeyFile, err)
	}
	return strings.TrimSpace(string(data)), nil
}
