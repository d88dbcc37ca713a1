package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/Moodaro/ibkr-ai-broker-sub001/internal/brokerconn"
)

// BrokerConnectionFile is the TOML-encoded broker gateway configuration,
// grounded on original_source/packages/ibkr_config.py: host/port/client
// id/mode plus reconnection and safety knobs.
type BrokerConnectionFile struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	ClientID int    `toml:"client_id"`
	Mode     string `toml:"mode"` // "paper" or "live"

	ConnectTimeout Duration `toml:"connect_timeout"`
	ReadTimeout    Duration `toml:"read_timeout"`

	ReconnectEnabled   bool    `toml:"reconnect_enabled"`
	ReconnectMaxRetry  int     `toml:"reconnect_max_retries"`
	ReconnectDelayBase float64 `toml:"reconnect_delay_base"`

	ReadonlyMode bool   `toml:"readonly_mode"`
	SRVName      string `toml:"srv_name"`
}

// LoadBrokerConnectionFile decodes a broker connection TOML file,
// applying the default paper-trading port selection.
func LoadBrokerConnectionFile(path string) (BrokerConnectionFile, error) {
	var f BrokerConnectionFile
	if _, err := toml.DecodeFile(path, &f); err != nil {
		if os.IsNotExist(err) {
			applyBrokerDefaults(&f)
			return f, nil
		}
		return f, fmt.Errorf("config: decode broker connection file %s: %w", path, err)
	}
	applyBrokerDefaults(&f)
	return f, nil
}

func applyBrokerDefaults(f *BrokerConnectionFile) {
	if f.Host == "" {
		f.Host = "127.0.0.1"
	}
	if f.Mode == "" {
		f.Mode = "paper"
	}
	if f.Port == 0 {
		if f.Mode == "paper" {
			f.Port = 7497
		} else {
			f.Port = 7496
		}
	}
	if f.ClientID == 0 {
		f.ClientID = 1
	}
	if f.ConnectTimeout.Duration == 0 {
		f.ConnectTimeout.Duration = 10 * time.Second
	}
	if f.ReconnectMaxRetry == 0 {
		f.ReconnectMaxRetry = 5
	}
	if f.ReconnectDelayBase == 0 {
		f.ReconnectDelayBase = 2.0
	}
}

// ToManagerConfig adapts the decoded file into brokerconn.Config.
func (f BrokerConnectionFile) ToManagerConfig() brokerconn.Config {
	return brokerconn.Config{
		Host:               f.Host,
		Port:               f.Port,
		ClientID:           f.ClientID,
		ConnectTimeout:     f.ConnectTimeout.Duration,
		ReconnectEnabled:   f.ReconnectEnabled,
		ReconnectMaxRetry:  f.ReconnectMaxRetry,
		ReconnectDelayBase: f.ReconnectDelayBase,
		SRVName:            f.SRVName,
	}
}

// IsLive reports whether the file selects live trading.
func (f BrokerConnectionFile) IsLive() bool { return f.Mode == "live" }

// CanWrite reports whether order submission is permitted.
func (f BrokerConnectionFile) CanWrite() bool { return !f.ReadonlyMode }
