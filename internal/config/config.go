// Package config holds the declarative model the engine executes: hosts,
// host groups, tasks with their steps, and handlers. Loading consumes a
// YAML file and emits an immutable Config; everything past this boundary
// treats the model as read-only.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/nexusrun/nexus/internal/condition"
	"gopkg.in/yaml.v3"
)

// LocalTarget is the reserved `on:` value binding a task to the machine
// nexus runs on instead of an SSH host.
const LocalTarget = ":local"

// Strategy controls how a task fans out across its bound hosts.
type Strategy string

// Host fan-out strategies.
const (
	StrategyParallel   Strategy = "parallel"
	StrategySequential Strategy = "sequential"
	StrategyRolling    Strategy = "rolling"
)

// Host is an immutable binding to one SSH target.
type Host struct {
	Name     string   `yaml:"-"`
	Hostname string   `yaml:"hostname"`
	User     string   `yaml:"user"`
	Port     int      `yaml:"port"`
	Identity string   `yaml:"identity"`
	Password string   `yaml:"password"`
	Groups   []string `yaml:"groups"`
}

// ArtifactDecl names a file a task produces for its dependents.
type ArtifactDecl struct {
	Name string `yaml:"name"`
	Path string `yaml:"path"`
}

// Task is a named, host-bound list of steps with optional dependencies.
type Task struct {
	Name         string         `yaml:"name"`
	On           string         `yaml:"on"`
	Deps         []string       `yaml:"deps"`
	Strategy     Strategy       `yaml:"strategy"`
	RollingBatch int            `yaml:"rolling_batch"`
	When         condition.Expr `yaml:"-"`
	Tags         []string       `yaml:"tags"`
	Artifacts    []ArtifactDecl `yaml:"artifacts"`
	Steps        []Step         `yaml:"steps"`
}

// Config is the loaded model for one project.
type Config struct {
	DataDir  string
	Hosts    map[string]*Host
	GroupOrd []string
	Groups   map[string][]string
	Tasks    []*Task
	Handlers []*Task
}

// TaskByName returns a declared task, handlers excluded.
func (c *Config) TaskByName(name string) (*Task, bool) {
	for _, task := range c.Tasks {
		if task.Name == name {
			return task, true
		}
	}
	return nil, false
}

// HandlerByName returns a declared handler.
func (c *Config) HandlerByName(name string) (*Task, bool) {
	for _, handler := range c.Handlers {
		if handler.Name == name {
			return handler, true
		}
	}
	return nil, false
}

// ResolveTarget expands a task's `on:` into a deduplicated host list,
// preserving declaration order. LocalTarget resolves to nil, true.
func (c *Config) ResolveTarget(target string) ([]*Host, bool, error) {
	if target == "" || target == LocalTarget {
		return nil, true, nil
	}
	if host, ok := c.Hosts[target]; ok {
		return []*Host{host}, false, nil
	}
	members, ok := c.Groups[target]
	if !ok {
		return nil, false, fmt.Errorf("unknown host or group %q", target)
	}
	seen := map[string]bool{}
	var hosts []*Host
	for _, name := range members {
		if seen[name] {
			continue
		}
		seen[name] = true
		host, ok := c.Hosts[name]
		if !ok {
			return nil, false, fmt.Errorf("group %q references unknown host %q", target, name)
		}
		hosts = append(hosts, host)
	}
	return hosts, false, nil
}

// Duration is a time.Duration that unmarshals from "30s" style strings
// (or bare integer seconds).
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the standard library representation.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// FileMode is an os.FileMode that unmarshals from "0644" style strings.
type FileMode os.FileMode

// UnmarshalYAML implements yaml.Unmarshaler.
func (m *FileMode) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := strconv.ParseUint(raw, 8, 32)
	if err != nil {
		return fmt.Errorf("invalid file mode %q: %w", raw, err)
	}
	*m = FileMode(parsed)
	return nil
}

// Std returns the standard library representation.
func (m FileMode) Std() os.FileMode {
	return os.FileMode(m)
}
