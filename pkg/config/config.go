// Package config loads retry policy and backoff definitions from YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jzx17/goretry/pkg/types"
)

// ErrConfigNotFound is returned when the config file does not exist
var ErrConfigNotFound = errors.New("config file not found")

// File is the top-level YAML document
type File struct {
	Policy         PolicySpec  `yaml:"policy"`
	Backoff        BackoffSpec `yaml:"backoff"`
	FailureHistory int         `yaml:"failure_history,omitempty"`
	CacheCapacity  int         `yaml:"cache_capacity,omitempty"`
}

// PolicySpec describes one node of a policy tree
type PolicySpec struct {
	Type string `yaml:"type"` // never, always, max_attempts, timeout, composite, binary, dispatch

	MaxAttempts int      `yaml:"max_attempts,omitempty"`
	Timeout     Duration `yaml:"timeout,omitempty"`

	// composite
	Mode     string       `yaml:"mode,omitempty"` // all, any
	Policies []PolicySpec `yaml:"policies,omitempty"`

	// binary
	Retryable      []string    `yaml:"retryable,omitempty"`
	Fatal          []string    `yaml:"fatal,omitempty"`
	TraverseCauses bool        `yaml:"traverse_causes,omitempty"`
	Delegate       *PolicySpec `yaml:"delegate,omitempty"`

	// dispatch
	Routes  []RouteSpec `yaml:"routes,omitempty"`
	Default *PolicySpec `yaml:"default,omitempty"`
}

// RouteSpec sends failures matching any of Errors to Policy
type RouteSpec struct {
	Errors []string   `yaml:"errors"`
	Policy PolicySpec `yaml:"policy"`
}

// BackoffSpec describes the backoff between attempts
type BackoffSpec struct {
	Type       string   `yaml:"type"` // none, fixed, exponential, uniform, decorrelated
	Delay      Duration `yaml:"delay,omitempty"`
	Initial    Duration `yaml:"initial,omitempty"`
	Multiplier float64  `yaml:"multiplier,omitempty"`
	Min        Duration `yaml:"min,omitempty"`
	Max        Duration `yaml:"max,omitempty"`
	Jitter     string   `yaml:"jitter,omitempty"` // none, full, equal
}

// Duration is a time.Duration written as a Go duration string ("250ms", "2s")
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("%w: line %d: duration must be a string", types.ErrInvalidConfig, node.Line)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("%w: line %d: %v", types.ErrInvalidConfig, node.Line, err)
	}
	if parsed < 0 {
		return fmt.Errorf("%w: line %d: negative duration %s", types.ErrInvalidConfig, node.Line, s)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Load reads a YAML file. Environment variables in the content are expanded.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", path, ErrConfigNotFound)
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML document. Unknown fields are rejected.
func Parse(data []byte) (*File, error) {
	expanded := os.ExpandEnv(string(data))

	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)

	var f File
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty document", types.ErrInvalidConfig)
		}
		if errors.Is(err, types.ErrInvalidConfig) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", types.ErrInvalidConfig, err)
	}
	return &f, nil
}

// Marshal renders f as YAML
func Marshal(f *File) ([]byte, error) {
	return yaml.Marshal(f)
}
