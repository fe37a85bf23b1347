// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"flag"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Verbosity is the logging level selected with -verbosity. It implements flag.Value.
type Verbosity string

const (
	VerbosityCritical Verbosity = "CRITICAL"
	VerbosityError    Verbosity = "ERROR"
	VerbosityWarn     Verbosity = "WARN"
	VerbosityInfo     Verbosity = "INFO"
	VerbosityDebug    Verbosity = "DEBUG"
)

// ValidVerbosities lists the accepted values, from the least to the most verbose.
var ValidVerbosities = []Verbosity{VerbosityCritical, VerbosityError, VerbosityWarn, VerbosityInfo, VerbosityDebug}

// String implements flag.Value.
func (v *Verbosity) String() string {
	if v == nil {
		return ""
	}
	return string(*v)
}

// Set implements flag.Value. Values are case-insensitive.
func (v *Verbosity) Set(value string) error {
	candidate := Verbosity(strings.ToUpper(strings.TrimSpace(value)))
	for _, valid := range ValidVerbosities {
		if candidate == valid {
			*v = candidate
			return nil
		}
	}
	return errors.Errorf("invalid verbosity %q, valid values are %q", value, ValidVerbosities)
}

// KlogLevel maps the verbosity to klog's -v level: warnings and errors are always logged,
// INFO enables klog.V(1) and DEBUG enables klog.V(2).
func (v Verbosity) KlogLevel() klog.Level {
	switch v {
	case VerbosityDebug:
		return 2
	case VerbosityInfo:
		return 1
	default:
		return 0
	}
}

// StderrThreshold is the lowest klog severity written out at this verbosity: WARN hides nothing but
// the info logs, ERROR also hides warnings and CRITICAL only shows fatal errors.
func (v Verbosity) StderrThreshold() string {
	switch v {
	case VerbosityCritical:
		return "FATAL"
	case VerbosityError:
		return "ERROR"
	case VerbosityWarn:
		return "WARNING"
	default:
		return "INFO"
	}
}

// Apply sets klog's global verbosity to v.KlogLevel() and its stderr threshold to v.StderrThreshold().
func (v Verbosity) Apply() error {
	var level klog.Level
	if err := level.Set(strconv.Itoa(int(v.KlogLevel()))); err != nil {
		return errors.Wrapf(err, "failed to set klog verbosity for %s", v)
	}
	// klog flags are bound to its global state, whichever flag set they are registered in.
	fs := flag.NewFlagSet("klog", flag.ContinueOnError)
	klog.InitFlags(fs)
	if fs.Lookup("legacy_stderr_threshold_behavior") != nil {
		// Otherwise the threshold is ignored when logging to stderr.
		if err := fs.Set("legacy_stderr_threshold_behavior", "false"); err != nil {
			return errors.Wrap(err, "failed to configure klog")
		}
	}
	if err := fs.Set("stderrthreshold", v.StderrThreshold()); err != nil {
		return errors.Wrapf(err, "failed to set klog stderr threshold for %s", v)
	}
	return nil
}
