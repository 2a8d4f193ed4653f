package config

import (
	"fmt"

	"github.com/nexusrun/nexus/internal/condition"
	"gopkg.in/yaml.v3"
)

// StepKind discriminates the step union.
type StepKind string

// Step kinds.
const (
	StepShell    StepKind = "shell"
	StepUpload   StepKind = "upload"
	StepDownload StepKind = "download"
	StepTemplate StepKind = "template"
	StepWaitFor  StepKind = "wait_for"
	StepResource StepKind = "resource"
)

// ShellStep runs a command through the host's shell.
type ShellStep struct {
	Cmd     string
	Env     map[string]string
	Timeout Duration
	Sudo    bool
}

// UploadStep copies a local file to the host. Local may be an
// `artifact:<name>` reference to a file produced by a dependency.
type UploadStep struct {
	Local  string   `yaml:"local"`
	Remote string   `yaml:"remote"`
	Mode   FileMode `yaml:"mode"`
	Sudo   bool     `yaml:"sudo"`
}

// DownloadStep copies a remote file to the local machine.
type DownloadStep struct {
	Remote string `yaml:"remote"`
	Local  string `yaml:"local"`
	Sudo   bool   `yaml:"sudo"`
}

// TemplateStep renders a local template with vars and uploads the result.
type TemplateStep struct {
	Source string                 `yaml:"source"`
	Dest   string                 `yaml:"dest"`
	Vars   map[string]interface{} `yaml:"vars"`
	Mode   FileMode               `yaml:"mode"`
	Sudo   bool                   `yaml:"sudo"`
	Notify string                 `yaml:"notify"`
}

// WaitForStep polls until a probe succeeds or its timeout elapses.
type WaitForStep struct {
	Type           string   `yaml:"type"` // http, tcp, command
	Target         string   `yaml:"target"`
	Timeout        Duration `yaml:"timeout"`
	Interval       Duration `yaml:"interval"`
	ExpectedStatus int      `yaml:"expected_status"`
	ExpectedBody   string   `yaml:"expected_body"`
}

// ResourceStep declares desired state for one resource; the attribute map
// is decoded per-kind by the resource providers.
type ResourceStep struct {
	Kind       string
	State      string
	Notify     string
	Attributes map[string]interface{}
}

// Step is one imperative action on a host. Exactly one of the typed
// fields is set, indicated by Kind.
type Step struct {
	Kind StepKind
	When condition.Expr

	Shell    *ShellStep
	Upload   *UploadStep
	Download *DownloadStep
	Template *TemplateStep
	WaitFor  *WaitForStep
	Resource *ResourceStep
}

// Describe renders a short human label for status lines and telemetry.
func (s *Step) Describe() string {
	switch s.Kind {
	case StepShell:
		return s.Shell.Cmd
	case StepUpload:
		return fmt.Sprintf("upload %s -> %s", s.Upload.Local, s.Upload.Remote)
	case StepDownload:
		return fmt.Sprintf("download %s -> %s", s.Download.Remote, s.Download.Local)
	case StepTemplate:
		return fmt.Sprintf("template %s -> %s", s.Template.Source, s.Template.Dest)
	case StepWaitFor:
		return fmt.Sprintf("wait_for %s %s", s.WaitFor.Type, s.WaitFor.Target)
	case StepResource:
		return fmt.Sprintf("resource %s", s.Resource.Kind)
	default:
		return string(s.Kind)
	}
}

// UnmarshalYAML decodes the union form: a mapping holding exactly one of
// the step keys plus the shared fields (when; env and timeout for shell;
// sudo for shell, upload, download and template).
func (s *Step) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("step must be a mapping (line %d)", node.Line)
	}

	var header struct {
		Shell    yaml.Node `yaml:"shell"`
		Upload   yaml.Node `yaml:"upload"`
		Download yaml.Node `yaml:"download"`
		Template yaml.Node `yaml:"template"`
		WaitFor  yaml.Node `yaml:"wait_for"`
		Resource yaml.Node `yaml:"resource"`
		When     yaml.Node `yaml:"when"`

		// shorthand fields living at the step level: env and timeout for
		// shell, sudo for shell and the transfer kinds
		Env     map[string]string `yaml:"env"`
		Timeout Duration          `yaml:"timeout"`
		Sudo    bool              `yaml:"sudo"`
	}
	if err := node.Decode(&header); err != nil {
		return err
	}

	if !header.When.IsZero() {
		expr, err := ParseWhen(&header.When)
		if err != nil {
			return err
		}
		s.When = expr
	}

	set := 0
	for _, n := range []*yaml.Node{&header.Shell, &header.Upload, &header.Download, &header.Template, &header.WaitFor, &header.Resource} {
		if !n.IsZero() {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("step must declare exactly one of shell/upload/download/template/wait_for/resource (line %d)", node.Line)
	}

	switch {
	case !header.Shell.IsZero():
		s.Kind = StepShell
		shell := &ShellStep{Env: header.Env, Timeout: header.Timeout, Sudo: header.Sudo}
		// `shell:` is either the bare command string or a mapping
		if header.Shell.Kind == yaml.ScalarNode {
			if err := header.Shell.Decode(&shell.Cmd); err != nil {
				return err
			}
		} else {
			var body struct {
				Cmd     string            `yaml:"cmd"`
				Env     map[string]string `yaml:"env"`
				Timeout Duration          `yaml:"timeout"`
				Sudo    bool              `yaml:"sudo"`
			}
			if err := header.Shell.Decode(&body); err != nil {
				return err
			}
			shell.Cmd = body.Cmd
			if body.Env != nil {
				shell.Env = body.Env
			}
			if body.Timeout != 0 {
				shell.Timeout = body.Timeout
			}
			shell.Sudo = shell.Sudo || body.Sudo
		}
		if shell.Cmd == "" {
			return fmt.Errorf("shell step without a command (line %d)", node.Line)
		}
		s.Shell = shell

	case !header.Upload.IsZero():
		s.Kind = StepUpload
		s.Upload = &UploadStep{}
		if err := header.Upload.Decode(s.Upload); err != nil {
			return err
		}
		s.Upload.Sudo = s.Upload.Sudo || header.Sudo

	case !header.Download.IsZero():
		s.Kind = StepDownload
		s.Download = &DownloadStep{}
		if err := header.Download.Decode(s.Download); err != nil {
			return err
		}
		s.Download.Sudo = s.Download.Sudo || header.Sudo

	case !header.Template.IsZero():
		s.Kind = StepTemplate
		s.Template = &TemplateStep{}
		if err := header.Template.Decode(s.Template); err != nil {
			return err
		}
		s.Template.Sudo = s.Template.Sudo || header.Sudo

	case !header.WaitFor.IsZero():
		s.Kind = StepWaitFor
		s.WaitFor = &WaitForStep{}
		if err := header.WaitFor.Decode(s.WaitFor); err != nil {
			return err
		}

	case !header.Resource.IsZero():
		s.Kind = StepResource
		var attrs map[string]interface{}
		if err := header.Resource.Decode(&attrs); err != nil {
			return err
		}
		res := &ResourceStep{Attributes: attrs}
		if kind, ok := attrs["kind"].(string); ok {
			res.Kind = kind
			delete(attrs, "kind")
		}
		if state, ok := attrs["state"].(string); ok {
			res.State = state
		}
		if notify, ok := attrs["notify"].(string); ok {
			res.Notify = notify
			delete(attrs, "notify")
		}
		if res.Kind == "" {
			return fmt.Errorf("resource step without a kind (line %d)", node.Line)
		}
		s.Resource = res
	}

	return nil
}
