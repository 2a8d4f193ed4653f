package ui

import (
	"os"

	"github.com/fatih/color"
)

// ColorMode is the tri-state color behavior requested by flags or env.
type ColorMode int

const (
	// ColorModeUndefined lets the terminal decide (isatty + NO_COLOR).
	ColorModeUndefined ColorMode = iota + 1
	// ColorModeSuppressed strips ANSI escapes from all output.
	ColorModeSuppressed
	// ColorModeForced emits color even when stdout is not a tty.
	ColorModeForced
)

// GetColorModeFromEnv reads NO_COLOR and FORCE_COLOR. NO_COLOR set to any
// value wins over everything except an explicit --plain/--color flag.
func GetColorModeFromEnv() ColorMode {
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return ColorModeSuppressed
	}
	switch forceColor := os.Getenv("FORCE_COLOR"); {
	case forceColor == "false" || forceColor == "0":
		return ColorModeSuppressed
	case forceColor == "true" || forceColor == "1" || forceColor == "2" || forceColor == "3":
		return ColorModeForced
	default:
		return ColorModeUndefined
	}
}

func applyColorMode(colorMode ColorMode) ColorMode {
	switch colorMode {
	case ColorModeForced:
		color.NoColor = false
	case ColorModeSuppressed:
		color.NoColor = true
	case ColorModeUndefined:
	default:
		// color.NoColor already gets its default value based on
		// isTTY and/or the presence of the NO_COLOR env variable.
	}

	if color.NoColor {
		return ColorModeSuppressed
	}
	return ColorModeForced
}
