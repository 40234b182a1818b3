package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/haggle-project/haggle/errors"
)

// Config is the complete kernel configuration.
type Config struct {
	Node         NodeConfig         `json:"node"`
	NATS         NATSConfig         `json:"nats,omitempty"`
	Metrics      MetricsConfig      `json:"metrics,omitempty"`
	DataManager  DataManagerConfig  `json:"data_manager,omitempty"`
	Protocol     ProtocolConfig     `json:"protocol,omitempty"`
	Bloomfilter  BloomfilterConfig  `json:"bloomfilter,omitempty"`
	Connectivity ConnectivityConfig `json:"connectivity,omitempty"`
	Forwarding   ForwardingConfig   `json:"forwarding,omitempty"`
}

// NodeConfig identifies this node and where it keeps payload files.
type NodeConfig struct {
	Name    string `json:"name"`
	DataDir string `json:"data_dir,omitempty"`
	// MatchingThreshold and MaxMatches are this node's own matching
	// parameters, advertised in its description.
	MatchingThreshold uint32 `json:"matching_threshold,omitempty"`
	MaxMatches        uint32 `json:"max_matches,omitempty"`
}

// NATSConfig connects the repository to JetStream KV persistence.
// An empty URL runs the repository in memory only.
type NATSConfig struct {
	URL string `json:"url,omitempty"`
}

// MetricsConfig exposes the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Port    int    `json:"port,omitempty"`
	Path    string `json:"path,omitempty"`
}

// DataManagerConfig tunes ingest verification and aging.
type DataManagerConfig struct {
	// AgingIntervalSeconds is how often the aging pass runs.
	AgingIntervalSeconds int `json:"aging_interval_seconds,omitempty"`
	// AgingMinAgeSeconds is the minimum age before an unfiltered
	// persistent data object is eligible for removal.
	AgingMinAgeSeconds int `json:"aging_min_age_seconds,omitempty"`
}

// ProtocolConfig tunes per-contact transport behavior.
type ProtocolConfig struct {
	ListenAddr         string  `json:"listen_addr,omitempty"`
	SendRetries        int     `json:"send_retries,omitempty"`
	SendTimeoutSeconds int     `json:"send_timeout_seconds,omitempty"`
	SendRatePerSecond  float64 `json:"send_rate_per_second,omitempty"`
	SendBurst          int     `json:"send_burst,omitempty"`
}

// BloomfilterConfig sizes this node's duplicate-suppression filter.
type BloomfilterConfig struct {
	ErrorRate float64 `json:"error_rate,omitempty"`
	Capacity  uint32  `json:"capacity,omitempty"`
}

// ConnectivityConfig tunes neighbor discovery.
type ConnectivityConfig struct {
	ScanIntervalSeconds int `json:"scan_interval_seconds,omitempty"`
	// MissTTL is how many consecutive scan misses an interface
	// survives before it is reported down.
	MissTTL int `json:"miss_ttl,omitempty"`
}

// ForwardingConfig selects and tunes the forwarder module.
type ForwardingConfig struct {
	// Module names the forwarder: "rank" is the in-tree default.
	Module string `json:"module,omitempty"`
	// Asynchronous moves the forwarder onto its own worker.
	Asynchronous bool `json:"asynchronous,omitempty"`
}

// schema is the embedded validation schema; Load rejects documents
// that do not conform before any field is read.
const schema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["node"],
  "properties": {
    "node": {
      "type": "object",
      "required": ["name"],
      "properties": {
        "name": {"type": "string", "minLength": 1},
        "data_dir": {"type": "string"},
        "matching_threshold": {"type": "integer", "minimum": 0, "maximum": 100},
        "max_matches": {"type": "integer", "minimum": 0}
      }
    },
    "nats": {
      "type": "object",
      "properties": {"url": {"type": "string"}}
    },
    "metrics": {
      "type": "object",
      "properties": {
        "enabled": {"type": "boolean"},
        "port": {"type": "integer", "minimum": 0, "maximum": 65535},
        "path": {"type": "string"}
      }
    },
    "data_manager": {
      "type": "object",
      "properties": {
        "aging_interval_seconds": {"type": "integer", "minimum": 1},
        "aging_min_age_seconds": {"type": "integer", "minimum": 1}
      }
    },
    "protocol": {
      "type": "object",
      "properties": {
        "listen_addr": {"type": "string"},
        "send_retries": {"type": "integer", "minimum": 0},
        "send_timeout_seconds": {"type": "integer", "minimum": 1},
        "send_rate_per_second": {"type": "number", "minimum": 0},
        "send_burst": {"type": "integer", "minimum": 0}
      }
    },
    "bloomfilter": {
      "type": "object",
      "properties": {
        "error_rate": {"type": "number", "exclusiveMinimum": 0, "exclusiveMaximum": 1},
        "capacity": {"type": "integer", "minimum": 1}
      }
    },
    "connectivity": {
      "type": "object",
      "properties": {
        "scan_interval_seconds": {"type": "integer", "minimum": 1},
        "miss_ttl": {"type": "integer", "minimum": 1}
      }
    },
    "forwarding": {
      "type": "object",
      "properties": {
        "module": {"type": "string", "enum": ["rank", "none"]},
        "asynchronous": {"type": "boolean"}
      }
    }
  }
}`

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			Name:       "haggle",
			DataDir:    "./haggle-data",
			MaxMatches: 10,
		},
		Metrics:     MetricsConfig{Port: 9090, Path: "/metrics"},
		DataManager: DataManagerConfig{AgingIntervalSeconds: 3600, AgingMinAgeSeconds: 24 * 3600},
		Protocol: ProtocolConfig{
			ListenAddr:         ":9697",
			SendRetries:        3,
			SendTimeoutSeconds: 60,
			SendRatePerSecond:  0,
			SendBurst:          1,
		},
		Bloomfilter:  BloomfilterConfig{ErrorRate: 0.01, Capacity: 2000},
		Connectivity: ConnectivityConfig{ScanIntervalSeconds: 30, MissTTL: 3},
		Forwarding:   ForwardingConfig{Module: "rank"},
	}
}

// Validate checks the raw JSON document against the embedded schema.
func Validate(raw []byte) error {
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(schema),
		gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return errors.WrapInvalid(err, "config", "Validate", "run schema validation")
	}
	if !result.Valid() {
		msgs := ""
		for _, e := range result.Errors() {
			msgs += e.String() + "; "
		}
		return errors.WrapInvalid(fmt.Errorf("%s", msgs), "config", "Validate", "schema violation")
	}
	return nil
}

// Load reads, validates, and parses a configuration file, filling
// unset fields from Default.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapTransient(err, "config", "Load", "read config file")
	}
	return Parse(raw)
}

// Parse validates and parses a raw configuration document.
func Parse(raw []byte) (*Config, error) {
	if err := Validate(raw); err != nil {
		return nil, err
	}
	cfg := Default()
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, errors.WrapInvalid(err, "config", "Parse", "decode config")
	}
	return cfg, nil
}

// SafeConfig provides thread-safe snapshot access to the current
// configuration.
type SafeConfig struct {
	mu  sync.RWMutex
	cfg *Config
}

// NewSafeConfig wraps cfg, substituting Default for nil.
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = Default()
	}
	return &SafeConfig{cfg: cfg}
}

// Get returns the current snapshot. Callers must not mutate it.
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.cfg
}

// Update atomically swaps in a new configuration after re-validating
// it.
func (sc *SafeConfig) Update(cfg *Config) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return errors.WrapInvalid(err, "config", "Update", "encode config")
	}
	if err := Validate(raw); err != nil {
		return err
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.cfg = cfg
	return nil
}
