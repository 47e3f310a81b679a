// Package config carries the agent's tunables: sandbox quotas per call
// type and the class-file cache byte budget. Configuration is an
// explicit value threaded through construction; there is no ambient
// global state.
package config

import (
	"fmt"
	"os"

	"github.com/tidwall/gjson"
)

// DefaultClassFilesCacheSize bounds the raw class-bytecode cache
// shared by safe-call evaluators.
const DefaultClassFilesCacheSize = 1024 * 1024 // 1 MiB

// MethodCallQuotaType names a policy bucket limiting resource
// consumption of a sandboxed evaluation.
type MethodCallQuotaType int

const (
	// QuotaExpression governs watch and condition evaluation.
	QuotaExpression MethodCallQuotaType = iota
	// QuotaPrettyPrinter governs formatter calls made while rendering
	// captured objects.
	QuotaPrettyPrinter
	// QuotaDynamicLog governs calls made while expanding log messages.
	QuotaDynamicLog
)

// String returns the quota bucket name.
func (t MethodCallQuotaType) String() string {
	switch t {
	case QuotaExpression:
		return "expression"
	case QuotaPrettyPrinter:
		return "pretty_printer"
	case QuotaDynamicLog:
		return "dynamic_log"
	default:
		return "unknown"
	}
}

// MethodCallQuota bounds one sandboxed evaluation.
type MethodCallQuota struct {
	// MaxInterpreterInstructions caps executed bytecode instructions
	// across the whole call tree.
	MaxInterpreterInstructions int64
	// MaxCallStackDepth caps nested method invocations.
	MaxCallStackDepth int
	// MaxClassesLoaded caps classes pulled through the class-files
	// cache during one evaluation.
	MaxClassesLoaded int
}

// Config is the agent configuration. Immutable after construction.
type Config struct {
	ClassFilesCacheSize int64
	quotas              map[MethodCallQuotaType]MethodCallQuota
}

// Default returns the stock configuration.
func Default() *Config {
	return &Config{
		ClassFilesCacheSize: DefaultClassFilesCacheSize,
		quotas: map[MethodCallQuotaType]MethodCallQuota{
			QuotaExpression: {
				MaxInterpreterInstructions: 10000,
				MaxCallStackDepth:          20,
				MaxClassesLoaded:           20,
			},
			QuotaPrettyPrinter: {
				MaxInterpreterInstructions: 5000,
				MaxCallStackDepth:          10,
				MaxClassesLoaded:           10,
			},
			QuotaDynamicLog: {
				MaxInterpreterInstructions: 2000,
				MaxCallStackDepth:          10,
				MaxClassesLoaded:           10,
			},
		},
	}
}

// GetQuota returns the quota for a call type. Unknown types get the
// expression quota, the most permissive bucket.
func (c *Config) GetQuota(t MethodCallQuotaType) MethodCallQuota {
	if q, ok := c.quotas[t]; ok {
		return q
	}
	return c.quotas[QuotaExpression]
}

// LoadFile reads overrides from a JSON file on top of the defaults:
//
//	{
//	  "class_files_cache_size": 2097152,
//	  "quotas": {
//	    "expression": {"max_instructions": 20000, "max_depth": 30, "max_classes": 40}
//	  }
//	}
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parse(data)
}

func parse(data []byte) (*Config, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("config: invalid JSON")
	}

	cfg := Default()
	root := gjson.ParseBytes(data)

	if v := root.Get("class_files_cache_size"); v.Exists() {
		if v.Int() <= 0 {
			return nil, fmt.Errorf("config: class_files_cache_size must be positive, got %d", v.Int())
		}
		cfg.ClassFilesCacheSize = v.Int()
	}

	for name, typ := range map[string]MethodCallQuotaType{
		"expression":     QuotaExpression,
		"pretty_printer": QuotaPrettyPrinter,
		"dynamic_log":    QuotaDynamicLog,
	} {
		v := root.Get("quotas." + name)
		if !v.Exists() {
			continue
		}
		q := cfg.quotas[typ]
		if n := v.Get("max_instructions"); n.Exists() {
			q.MaxInterpreterInstructions = n.Int()
		}
		if n := v.Get("max_depth"); n.Exists() {
			q.MaxCallStackDepth = int(n.Int())
		}
		if n := v.Get("max_classes"); n.Exists() {
			q.MaxClassesLoaded = int(n.Int())
		}
		cfg.quotas[typ] = q
	}

	return cfg, nil
}
