// Package config loads a Store's identity, operational settings, and bucket declarations
// from a YAML file, in the read-file-then-yaml.Unmarshal style used across the example
// pack's own config/CLI commands (gopkg.in/yaml.v3).
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/hamicek/noex-store-sub003/schema"
)

// FieldConfig is the YAML shape of one field within a bucket's schema.
type FieldConfig struct {
	Type      string `yaml:"type"`
	Required  bool   `yaml:"required,omitempty"`
	Unique    bool   `yaml:"unique,omitempty"`
	Generated string `yaml:"generated,omitempty"`
	Format    string `yaml:"format,omitempty"`
	Enum      []any  `yaml:"enum,omitempty"`
	Default   any    `yaml:"default,omitempty"`
	Min       *float64 `yaml:"min,omitempty"`
	Max       *float64 `yaml:"max,omitempty"`
	MinLength *int   `yaml:"minLength,omitempty"`
	MaxLength *int   `yaml:"maxLength,omitempty"`
	Pattern   string `yaml:"pattern,omitempty"`
}

// BucketConfig is the YAML shape of one bucket declaration. Indexes names fields that
// should carry a non-unique secondary index in addition to whatever fields are already
// marked `unique` on the field itself — matching BucketDefinition.Indexes.
type BucketConfig struct {
	KeyField   string                 `yaml:"keyField"`
	Fields     map[string]FieldConfig `yaml:"fields"`
	Indexes    []string               `yaml:"indexes,omitempty"`
	TTL        string                 `yaml:"ttl,omitempty"`
	MaxSize    *int                   `yaml:"maxSize,omitempty"`
	Persistent bool                   `yaml:"persistent,omitempty"`
}

// PersistenceConfig selects and configures a storage.StorageAdapter. Adapter is one of
// "memory" or "sqlite"; Path is only meaningful for "sqlite".
type PersistenceConfig struct {
	Adapter string `yaml:"adapter"`
	Path    string `yaml:"path,omitempty"`
}

// StoreConfig is the top-level YAML document consumed by Store.Start: the store's own
// identity and operational settings, plus one entry per bucket to define at startup.
type StoreConfig struct {
	Name               string                  `yaml:"name"`
	TTLCheckIntervalMs int64                   `yaml:"ttlCheckIntervalMs,omitempty"`
	LogLevel           string                  `yaml:"logLevel,omitempty"`
	Persistence        *PersistenceConfig      `yaml:"persistence,omitempty"`
	Buckets            map[string]BucketConfig `yaml:"buckets"`
}

// LoadConfig reads and parses a StoreConfig from path.
func LoadConfig(path string) (*StoreConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %q: %w", path, err)
	}
	var cfg StoreConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file %q: %w", path, err)
	}
	return &cfg, nil
}

// BucketDefinitions converts the parsed config into the schema.BucketDefinition set a
// Store can pass straight to DefineBucket.
func (c *StoreConfig) BucketDefinitions() (map[string]*schema.BucketDefinition, error) {
	out := make(map[string]*schema.BucketDefinition, len(c.Buckets))
	for name, bc := range c.Buckets {
		def, err := bc.toDefinition()
		if err != nil {
			return nil, fmt.Errorf("bucket %q: %w", name, err)
		}
		out[name] = def
	}
	return out, nil
}

func (bc BucketConfig) toDefinition() (*schema.BucketDefinition, error) {
	fields := make(map[string]*schema.FieldDefinition, len(bc.Fields))
	for name, fc := range bc.Fields {
		fields[name] = &schema.FieldDefinition{
			Type:      schema.FieldType(fc.Type),
			Required:  fc.Required,
			Unique:    fc.Unique,
			Generated: schema.GeneratedStrategy(fc.Generated),
			Format:    schema.FieldFormat(fc.Format),
			Enum:      fc.Enum,
			Default:   fc.Default,
			Min:       fc.Min,
			Max:       fc.Max,
			MinLength: fc.MinLength,
			MaxLength: fc.MaxLength,
			Pattern:   fc.Pattern,
		}
	}

	def := &schema.BucketDefinition{
		KeyField:   bc.KeyField,
		Fields:     fields,
		Indexes:    append([]string(nil), bc.Indexes...),
		MaxSize:    bc.MaxSize,
		Persistent: bc.Persistent,
	}

	if bc.TTL != "" {
		ttl, err := schema.ParseTTL(bc.TTL)
		if err != nil {
			return nil, err
		}
		def.TTL = &ttl
	}

	return def, nil
}
