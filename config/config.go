// Package config holds the transaction manager configuration: an explicit
// struct with yaml tags, field defaults, and ${name} property substitution
// resolving against the configuration's own properties and a process-wide
// override map.
package config

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/codehaus/btm/core/journal"
	"github.com/codehaus/btm/core/resource"
	"github.com/codehaus/btm/pkg/logger"
	"github.com/codehaus/btm/pkg/telemetry"
)

// Configuration is the recognized option surface of the transaction
// manager.
type Configuration struct {
	// ServerID is embedded in every generated UID and determines which node
	// owns a gtrid during recovery. Empty picks a random id at startup.
	ServerID string `yaml:"serverId"`

	LogPart1Filename string `yaml:"logPart1Filename"`
	LogPart2Filename string `yaml:"logPart2Filename"`
	MaxLogSizeInMB   int    `yaml:"maxLogSizeInMb"`

	ForcedWriteEnabled   bool `yaml:"forcedWriteEnabled"`
	ForceBatchingEnabled bool `yaml:"forceBatchingEnabled"`
	SkipCorruptedLogs    bool `yaml:"skipCorruptedLogs"`
	FilterLogStatus      bool `yaml:"filterLogStatus"`

	// DefaultTransactionTimeoutSeconds applies when a transaction sets none.
	DefaultTransactionTimeoutSeconds int `yaml:"defaultTransactionTimeout"`
	// GracefulShutdownIntervalSeconds bounds how long shutdown waits for
	// in-flight transactions to drain.
	GracefulShutdownIntervalSeconds int `yaml:"gracefulShutdownInterval"`
	// BackgroundRecoveryIntervalMinutes schedules periodic recovery; 0
	// disables it.
	BackgroundRecoveryIntervalMinutes int `yaml:"backgroundRecoveryInterval"`

	CurrentNodeOnlyRecovery          bool `yaml:"currentNodeOnlyRecovery"`
	Asynchronous2PC                  bool `yaml:"asynchronous2Pc"`
	TwoPCWorkerCount                 int  `yaml:"twoPcWorkerCount"`
	WarnAboutZeroResourceTransaction bool `yaml:"warnAboutZeroResourceTransaction"`

	Logging   logger.Config    `yaml:"logging"`
	Telemetry telemetry.Config `yaml:"telemetry"`

	// Resources declares the resource beans to register at startup.
	Resources []resource.Bean `yaml:"resources"`

	serverIDOnce  sync.Once
	serverIDBytes []byte
}

// Default returns a configuration with every field at its default.
func Default() *Configuration {
	cfg := newBase()
	cfg.applyDefaults()
	return cfg
}

// newBase pre-fills the booleans whose default is true, so an absent yaml
// key keeps the safe choice.
func newBase() *Configuration {
	return &Configuration{
		ForcedWriteEnabled:               true,
		ForceBatchingEnabled:             true,
		CurrentNodeOnlyRecovery:          true,
		WarnAboutZeroResourceTransaction: true,
	}
}

func (c *Configuration) applyDefaults() {
	if c.LogPart1Filename == "" {
		c.LogPart1Filename = "btm1.tlog"
	}
	if c.LogPart2Filename == "" {
		c.LogPart2Filename = "btm2.tlog"
	}
	if c.MaxLogSizeInMB == 0 {
		c.MaxLogSizeInMB = 2
	}
	if c.DefaultTransactionTimeoutSeconds == 0 {
		c.DefaultTransactionTimeoutSeconds = 60
	}
	if c.GracefulShutdownIntervalSeconds == 0 {
		c.GracefulShutdownIntervalSeconds = 60
	}
	if c.TwoPCWorkerCount == 0 {
		c.TwoPCWorkerCount = 4
	}
}

// LoadFile reads a yaml configuration, substitutes ${name} references and
// applies defaults. Absent keys keep the safe defaults; in particular
// forced writes and batching stay enabled unless the file disables them.
func LoadFile(path string) (*Configuration, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read configuration file %s: %w", path, err)
	}
	return Load(raw)
}

// Load parses yaml configuration bytes.
func Load(raw []byte) (*Configuration, error) {
	props, err := flatten(raw)
	if err != nil {
		return nil, err
	}

	substituted, err := Substitute(string(raw), func(name string) (string, bool) {
		if v, ok := props[name]; ok {
			return v, true
		}
		return override(name)
	})
	if err != nil {
		return nil, err
	}

	cfg := newBase()
	if err := yaml.Unmarshal([]byte(substituted), cfg); err != nil {
		return nil, fmt.Errorf("cannot parse configuration: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// ServerIDBytes returns the configured server id, generating and caching a
// random one when the configuration leaves it empty.
func (c *Configuration) ServerIDBytes() []byte {
	c.serverIDOnce.Do(func() {
		id := c.ServerID
		if id == "" {
			id = uuid.NewString()
		}
		c.serverIDBytes = []byte(id)
	})
	return c.serverIDBytes
}

// JournalOptions maps the journal part of the configuration.
func (c *Configuration) JournalOptions() journal.Options {
	return journal.Options{
		Part1Filename:        c.LogPart1Filename,
		Part2Filename:        c.LogPart2Filename,
		MaxLogSizeInMB:       c.MaxLogSizeInMB,
		ForcedWriteEnabled:   c.ForcedWriteEnabled,
		ForceBatchingEnabled: c.ForceBatchingEnabled,
		SkipCorruptedLogs:    c.SkipCorruptedLogs,
		FilterLogStatus:      c.FilterLogStatus,
	}
}

// overrides is the process-wide property override map consulted after the
// configuration's own properties.
var (
	overridesMu sync.Mutex
	overrides   = map[string]string{}
)

// SetOverride installs a process-wide substitution override.
func SetOverride(name, value string) {
	overridesMu.Lock()
	defer overridesMu.Unlock()
	overrides[name] = value
}

// ClearOverrides drops every installed override. Mainly for tests.
func ClearOverrides() {
	overridesMu.Lock()
	defer overridesMu.Unlock()
	overrides = map[string]string{}
}

func override(name string) (string, bool) {
	overridesMu.Lock()
	defer overridesMu.Unlock()
	v, ok := overrides[name]
	return v, ok
}

// Substitute expands ${name} references in s through the lookup. An empty
// reference and an unclosed reference are configuration errors quoting the
// offending token; so is a name the lookup cannot resolve.
func Substitute(s string, lookup func(string) (string, bool)) (string, error) {
	var b strings.Builder
	for {
		start := strings.Index(s, "${")
		if start < 0 {
			b.WriteString(s)
			return b.String(), nil
		}
		b.WriteString(s[:start])
		rest := s[start:]

		end := strings.Index(rest, "}")
		if end < 0 {
			token := rest
			if nl := strings.IndexAny(token, "\r\n"); nl >= 0 {
				token = token[:nl]
			}
			return "", fmt.Errorf("unclosed variable reference %q", token)
		}
		name := rest[2:end]
		if name == "" {
			return "", fmt.Errorf("invalid variable reference %q", "${}")
		}
		value, ok := lookup(name)
		if !ok {
			return "", fmt.Errorf("cannot resolve variable reference %q", rest[:end+1])
		}
		b.WriteString(value)
		s = rest[end+1:]
	}
}

// flatten builds the dotted-path property map of a yaml document's scalar
// leaves, the set ${name} references resolve against.
func flatten(raw []byte) (map[string]string, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("cannot parse configuration: %w", err)
	}
	props := make(map[string]string)
	flattenInto(props, "", doc)
	return props, nil
}

func flattenInto(props map[string]string, prefix string, value any) {
	switch v := value.(type) {
	case map[string]any:
		for key, child := range v {
			path := key
			if prefix != "" {
				path = prefix + "." + key
			}
			flattenInto(props, path, child)
		}
	case []any:
		// list items are not addressable properties
	case nil:
	default:
		props[prefix] = fmt.Sprintf("%v", v)
	}
}
