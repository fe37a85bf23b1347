// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// Environment variables read as defaults for the distributed configuration. They are set
// for every task of a distributed job by the platform launching it.
const (
	JobNameEnvKey     = "JOB_NAME"
	TaskIndexEnvKey   = "TASK_INDEX"
	PSHostsEnvKey     = "PS_HOSTS"
	WorkerHostsEnvKey = "WORKER_HOSTS"
)

// ConfigEnvKey is the environment variable holding the JSON encoded cluster descriptor,
// set with Export before training starts.
const ConfigEnvKey = "TF_CONFIG"

// Export sets ConfigEnvKey to the JSON encoding of spec.
func Export(spec Spec) error {
	encoded, err := json.Marshal(spec)
	if err != nil {
		return errors.Wrap(err, "failed to encode cluster spec")
	}
	if err = os.Setenv(ConfigEnvKey, string(encoded)); err != nil {
		return errors.Wrapf(err, "failed to set %s", ConfigEnvKey)
	}
	return nil
}

// FromEnv parses the cluster descriptor exported in ConfigEnvKey.
// If the variable is not set or empty, it returns the empty descriptor.
func FromEnv() (Spec, error) {
	return Parse(os.Getenv(ConfigEnvKey))
}

// Parse a JSON encoded cluster descriptor. A blank string yields the empty descriptor.
func Parse(encoded string) (spec Spec, err error) {
	if strings.TrimSpace(encoded) == "" {
		return
	}
	if err = json.Unmarshal([]byte(encoded), &spec); err != nil {
		err = errors.Wrapf(err, "failed to parse cluster spec %q", encoded)
		return
	}
	if len(spec.Cluster) == 0 {
		spec.Cluster = nil
	}
	return
}
