// Package cmdutil holds functionality shared by all nexus subcommands:
// flag parsing and construction of the logger, terminal UI and config
// components each command needs.
package cmdutil

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/mitchellh/cli"
	"github.com/nexusrun/nexus/internal/config"
	"github.com/nexusrun/nexus/internal/ui"
	"github.com/spf13/pflag"
)

const _envLogLevel = "NEXUS_LOG_LEVEL"

// Helper holds the root-level flag values and drives the creation of
// CmdBase, which commands actually consume.
type Helper struct {
	// NexusVersion is the version of nexus that is currently executing.
	NexusVersion string

	// for UI
	plain      bool
	forceColor bool
	// for logging
	verbosity int
	quiet     bool

	configPath string
	format     string

	cleanupsMu sync.Mutex
	cleanups   []io.Closer
}

// NewHelper returns a helper for the root command.
func NewHelper(version string) *Helper {
	return &Helper{NexusVersion: version}
}

// AddFlags binds the flags common to every nexus command.
func (h *Helper) AddFlags(flags *pflag.FlagSet) {
	flags.StringVarP(&h.configPath, "config", "c", "", "Path to the project config (default nexus.yaml)")
	flags.CountVarP(&h.verbosity, "verbose", "v", "Increase log verbosity (repeatable)")
	flags.BoolVarP(&h.quiet, "quiet", "q", false, "Only print errors and the final summary")
	flags.BoolVar(&h.plain, "plain", false, "Disable color output")
	flags.BoolVar(&h.forceColor, "color", false, "Force color output")
	flags.StringVar(&h.format, "format", "text", "Output format: text or json")
}

// RegisterCleanup saves a closer to run after command execution, even
// when the command errors.
func (h *Helper) RegisterCleanup(cleanup io.Closer) {
	h.cleanupsMu.Lock()
	defer h.cleanupsMu.Unlock()
	h.cleanups = append(h.cleanups, cleanup)
}

// Cleanup runs the registered cleanup handlers.
func (h *Helper) Cleanup(flags *pflag.FlagSet) {
	h.cleanupsMu.Lock()
	defer h.cleanupsMu.Unlock()
	var terminal cli.Ui
	for _, cleanup := range h.cleanups {
		if err := cleanup.Close(); err != nil {
			if terminal == nil {
				terminal = h.getUI(flags)
			}
			terminal.Warn(fmt.Sprintf("failed cleanup: %v", err))
		}
	}
}

func (h *Helper) getUI(flags *pflag.FlagSet) cli.Ui {
	colorMode := ui.GetColorModeFromEnv()
	if flags.Changed("plain") && h.plain {
		colorMode = ui.ColorModeSuppressed
	}
	if flags.Changed("color") && h.forceColor {
		colorMode = ui.ColorModeForced
	}
	return ui.BuildColoredUi(colorMode)
}

func (h *Helper) getLogger() (hclog.Logger, error) {
	var level hclog.Level
	switch h.verbosity {
	case 0:
		if v := os.Getenv(_envLogLevel); v != "" {
			level = hclog.LevelFromString(v)
			if level == hclog.NoLevel {
				return nil, fmt.Errorf("%s value %q is not a valid log level", _envLogLevel, v)
			}
		} else {
			level = hclog.NoLevel
		}
	case 1:
		level = hclog.Info
	case 2:
		level = hclog.Debug
	default:
		level = hclog.Trace
	}
	// Default output is nowhere unless we enable logging.
	output := io.Discard
	color := hclog.ColorOff
	if level != hclog.NoLevel {
		output = os.Stderr
		color = hclog.AutoColor
	}

	return hclog.New(&hclog.LoggerOptions{
		Name:   "nexus",
		Level:  level,
		Color:  color,
		Output: output,
	}), nil
}

// CmdBase is what commands are built around.
type CmdBase struct {
	UI       cli.Ui
	Logger   hclog.Logger
	Defaults config.Defaults
	Format   string
	Quiet    bool
	Verbose  bool

	configPath string
}

// GetCmdBase materializes a CmdBase from the current flag values.
func (h *Helper) GetCmdBase(flags *pflag.FlagSet) (*CmdBase, error) {
	terminal := h.getUI(flags)
	logger, err := h.getLogger()
	if err != nil {
		return nil, err
	}
	defaults, err := config.LoadDefaults()
	if err != nil {
		return nil, err
	}
	if h.format != "text" && h.format != "json" {
		return nil, fmt.Errorf("unknown --format %q (want text or json)", h.format)
	}
	return &CmdBase{
		UI:         terminal,
		Logger:     logger,
		Defaults:   defaults,
		Format:     h.format,
		Quiet:      h.quiet,
		Verbose:    h.verbosity > 0,
		configPath: h.configPath,
	}, nil
}

// ConfigPath is where the project config will be loaded from.
func (b *CmdBase) ConfigPath() string {
	if b.configPath != "" {
		return b.configPath
	}
	return config.DefaultFileName
}

// LoadConfig reads and validates the project config.
func (b *CmdBase) LoadConfig() (*config.Config, error) {
	return config.Load(b.ConfigPath())
}

// LogError prints to the UI and the logger.
func (b *CmdBase) LogError(format string, args ...interface{}) {
	err := fmt.Sprintf(format, args...)
	b.Logger.Error(err)
	b.UI.Error(fmt.Sprintf("%s %s", ui.ErrorPrefix, err))
}
