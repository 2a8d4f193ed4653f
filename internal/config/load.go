package config

import (
	"fmt"
	"os"
	"regexp"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// DefaultFileName is what commands look for when -c is not given.
const DefaultFileName = "nexus.yaml"

type file struct {
	DataDir  string           `yaml:"data_dir"`
	Hosts    map[string]*Host `yaml:"hosts"`
	Groups   yaml.Node        `yaml:"groups"`
	Tasks    []*Task          `yaml:"tasks"`
	Handlers []*Task          `yaml:"handlers"`
}

// UnmarshalYAML decodes a task, routing the `when:` subtree through the
// predicate parser.
func (t *Task) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		Name         string         `yaml:"name"`
		On           string         `yaml:"on"`
		Deps         []string       `yaml:"deps"`
		Strategy     Strategy       `yaml:"strategy"`
		RollingBatch int            `yaml:"rolling_batch"`
		Tags         []string       `yaml:"tags"`
		Artifacts    []ArtifactDecl `yaml:"artifacts"`
		Steps        []Step         `yaml:"steps"`
		When         yaml.Node      `yaml:"when"`
	}
	raw.Strategy = StrategyParallel
	if err := node.Decode(&raw); err != nil {
		return err
	}
	*t = Task{
		Name:         raw.Name,
		On:           raw.On,
		Deps:         raw.Deps,
		Strategy:     raw.Strategy,
		RollingBatch: raw.RollingBatch,
		Tags:         raw.Tags,
		Artifacts:    raw.Artifacts,
		Steps:        raw.Steps,
	}
	if !raw.When.IsZero() {
		expr, err := ParseWhen(&raw.When)
		if err != nil {
			return fmt.Errorf("task %q: %w", t.Name, err)
		}
		t.When = expr
	}
	return nil
}

// Load reads and validates a project config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading config %v", path)
	}
	return Parse(data)
}

// Parse decodes config bytes and validates references.
func Parse(data []byte) (*Config, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrap(err, "parsing config")
	}

	cfg := &Config{
		DataDir:  f.DataDir,
		Hosts:    f.Hosts,
		Groups:   map[string][]string{},
		Tasks:    f.Tasks,
		Handlers: f.Handlers,
	}
	if cfg.Hosts == nil {
		cfg.Hosts = map[string]*Host{}
	}
	for name, host := range cfg.Hosts {
		host.Name = name
		if host.Port == 0 {
			host.Port = 22
		}
		if host.Hostname == "" {
			host.Hostname = name
		}
	}

	// groups keep declaration order for deterministic listings
	if f.Groups.Kind == yaml.MappingNode {
		for i := 0; i+1 < len(f.Groups.Content); i += 2 {
			var name string
			var members []string
			if err := f.Groups.Content[i].Decode(&name); err != nil {
				return nil, err
			}
			if err := f.Groups.Content[i+1].Decode(&members); err != nil {
				return nil, err
			}
			cfg.GroupOrd = append(cfg.GroupOrd, name)
			cfg.Groups[name] = members
		}
	}

	// host-level group membership folds into the group table
	for _, host := range cfg.Hosts {
		for _, group := range host.Groups {
			if _, ok := cfg.Groups[group]; !ok {
				cfg.GroupOrd = append(cfg.GroupOrd, group)
			}
			cfg.Groups[group] = append(cfg.Groups[group], host.Name)
		}
	}

	if errs := Validate(cfg); len(errs) > 0 {
		return nil, &ValidationError{Errs: errs}
	}
	return cfg, nil
}

// ValidationError aggregates every reference problem found in a config.
type ValidationError struct {
	Errs []error
}

func (e *ValidationError) Error() string {
	msg := "invalid config:"
	for _, err := range e.Errs {
		msg += "\n  - " + err.Error()
	}
	return msg
}

var artifactNameRegex = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// Validate checks every symbolic reference in the config. It returns all
// problems rather than stopping at the first so `nexus validate` can
// print a complete report.
func Validate(cfg *Config) []error {
	var errs []error
	report := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	for group, members := range cfg.Groups {
		for _, member := range members {
			if _, ok := cfg.Hosts[member]; !ok {
				report("group %q references unknown host %q", group, member)
			}
		}
	}

	taskNames := map[string]bool{}
	for _, task := range cfg.Tasks {
		if task.Name == "" {
			report("task with empty name")
			continue
		}
		if taskNames[task.Name] {
			report("duplicate task %q", task.Name)
		}
		taskNames[task.Name] = true
	}

	handlerNames := map[string]bool{}
	for _, handler := range cfg.Handlers {
		if handlerNames[handler.Name] {
			report("duplicate handler %q", handler.Name)
		}
		handlerNames[handler.Name] = true
		if len(handler.Deps) > 0 {
			report("handler %q must not declare deps", handler.Name)
		}
	}

	checkTask := func(task *Task, kind string) {
		if task.On != "" && task.On != LocalTarget {
			if _, isHost := cfg.Hosts[task.On]; !isHost {
				if _, isGroup := cfg.Groups[task.On]; !isGroup {
					report("%s %q is bound to unknown host or group %q", kind, task.Name, task.On)
				}
			}
		}
		switch task.Strategy {
		case "", StrategyParallel, StrategySequential:
		case StrategyRolling:
			if task.RollingBatch <= 0 {
				report("%s %q uses rolling strategy without a rolling_batch size", kind, task.Name)
			}
		default:
			report("%s %q has unknown strategy %q", kind, task.Name, task.Strategy)
		}
		for _, decl := range task.Artifacts {
			if !artifactNameRegex.MatchString(decl.Name) || len(decl.Name) > 255 {
				report("%s %q declares invalid artifact name %q", kind, task.Name, decl.Name)
			}
			if decl.Path == "" {
				report("%s %q artifact %q has no path", kind, task.Name, decl.Name)
			}
		}
		for i := range task.Steps {
			step := &task.Steps[i]
			notify := ""
			switch step.Kind {
			case StepTemplate:
				notify = step.Template.Notify
			case StepResource:
				notify = step.Resource.Notify
			}
			if notify != "" && !handlerNames[notify] {
				report("%s %q notifies unknown handler %q", kind, task.Name, notify)
			}
		}
	}

	for _, task := range cfg.Tasks {
		for _, dep := range task.Deps {
			if !taskNames[dep] {
				report("task %q depends on undeclared task %q", task.Name, dep)
			}
		}
		checkTask(task, "task")
	}
	for _, handler := range cfg.Handlers {
		checkTask(handler, "handler")
	}

	return errs
}
