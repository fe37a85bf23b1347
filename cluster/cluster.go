// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package cluster builds the descriptor of a distributed training cluster from the flat
// configuration given to a task: its job name, its task index and the lists of parameter-server
// and worker endpoints.
//
// The descriptor is a mapping from role ("worker", "ps", "master") to ordered lists of
// "host:port" endpoints, plus the role and index of the local task. The first worker is always
// promoted to "master", and the local task always refers to itself through the loopback address.
//
// Example:
//
//	spec, warnings := cluster.Build(cluster.Options{
//		JobName:     "worker",
//		TaskIndex:   0,
//		WorkerHosts: []string{"h1:2222", "h2:2222"},
//		PSHosts:     []string{"h3:2224"},
//	})
//	// spec.Task.Type == cluster.RoleMaster
//	// spec.Cluster[cluster.RoleMaster] == []string{"localhost:2222"}
//	// spec.Cluster[cluster.RoleWorker] == []string{"localhost:2222", "h2:2222"}
package cluster

import (
	"encoding/json"
	"fmt"
	"slices"

	"k8s.io/klog/v2"
)

// Role of a task in the cluster.
type Role string

const (
	// RoleWorker computes gradients from data batches.
	RoleWorker Role = "worker"

	// RolePS (parameter server) holds shared model weights, updated by the workers.
	RolePS Role = "ps"

	// RoleMaster is the worker at index 0, which also coordinates training and writes checkpoints.
	RoleMaster Role = "master"
)

// ValidJobNames are the job names a task can be started with. RoleMaster is never given
// explicitly: it is derived by Build.
var ValidJobNames = []Role{RoleWorker, RolePS}

// EnvironmentCloud is the value of Spec.Environment for a populated descriptor.
const EnvironmentCloud = "cloud"

// Task identifies the local task within the cluster.
type Task struct {
	Type  Role `json:"type"`
	Index int  `json:"index"`
}

// Spec is the cluster descriptor. The zero value is the empty descriptor, used for
// single-process (non-distributed) training, and it encodes to "{}".
type Spec struct {
	Task        *Task             `json:"task,omitempty"`
	Cluster     map[Role][]string `json:"cluster,omitempty"`
	Environment string            `json:"environment,omitempty"`
}

// Options holds the flat configuration Build works from.
type Options struct {
	// JobName is "worker", "ps" or empty.
	JobName string

	// TaskIndex of the task within its job.
	TaskIndex int

	// PSHosts and WorkerHosts are ordered lists of "host:port" endpoints.
	PSHosts, WorkerHosts []string
}

// Build the cluster descriptor from the given options.
//
// If none of job name, ps hosts and worker hosts is set, it returns the empty descriptor (single-process mode).
// If only some of them are set, it returns the empty descriptor along with warnings describing what is missing.
// Otherwise, it returns a populated descriptor where:
//
//   - cluster.master holds the first worker and cluster.worker/cluster.ps hold the given lists;
//   - the local task's own entry is rewritten to "localhost:<port>";
//   - worker 0 is re-tagged as "master" and its loopback address is mirrored in cluster.master.
//
// Build is pure: it does no I/O and never panics. Inconsistent inputs it cannot resolve (a task index
// outside its job's list, an endpoint without a port) are reported as warnings, and the
// corresponding entry is left unchanged.
func Build(opts Options) (spec Spec, warnings []string) {
	hasJob := opts.JobName != ""
	hasPS := len(opts.PSHosts) > 0
	hasWorkers := len(opts.WorkerHosts) > 0
	if !hasJob && !hasPS && !hasWorkers {
		return
	}
	if !hasJob || !hasPS || !hasWorkers {
		warnings = append(warnings,
			"Distributed setting is incomplete. You must pass job_name, ps_hosts, and worker_hosts.")
		if !hasJob {
			warnings = append(warnings, fmt.Sprintf(
				"Expected job_name of worker or ps. Received %q.", opts.JobName))
		}
		if !hasPS {
			warnings = append(warnings, fmt.Sprintf(
				"Expected ps_hosts, list of hostname:port pairs. Got %q. "+
					`Example: --ps_hosts "localhost:2224" or --ps_hosts "localhost:2224,localhost:2225"`, opts.PSHosts))
		}
		if !hasWorkers {
			warnings = append(warnings, fmt.Sprintf(
				"Expected worker_hosts, list of hostname:port pairs. Got %q. "+
					`Example: --worker_hosts "localhost:2222,localhost:2223"`, opts.WorkerHosts))
		}
		warnings = append(warnings, "Ignoring distributed arguments. Running single mode.")
		return
	}

	job := Role(opts.JobName)
	spec = Spec{
		Task: &Task{Type: job, Index: opts.TaskIndex},
		Cluster: map[Role][]string{
			RoleMaster: {opts.WorkerHosts[0]},
			RoleWorker: slices.Clone(opts.WorkerHosts),
			RolePS:     slices.Clone(opts.PSHosts),
		},
		Environment: EnvironmentCloud,
	}

	// The task refers to itself through the loopback address.
	endpoints := spec.Cluster[job]
	if opts.TaskIndex < 0 || opts.TaskIndex >= len(endpoints) {
		warnings = append(warnings, fmt.Sprintf(
			"task_index=%d is out of range for job %q with %d endpoints: own address not rewritten",
			opts.TaskIndex, job, len(endpoints)))
		return
	}
	local, err := LocalAddress(endpoints[opts.TaskIndex])
	if err != nil {
		warnings = append(warnings, fmt.Sprintf("own address not rewritten: %v", err))
	} else {
		endpoints[opts.TaskIndex] = local
	}
	if job == RoleWorker && opts.TaskIndex == 0 {
		spec.Task.Type = RoleMaster
		if err == nil {
			spec.Cluster[RoleMaster][0] = local
		}
	}
	return
}

// BuildAndLog calls Build and logs its warnings with klog.
func BuildAndLog(opts Options) Spec {
	spec, warnings := Build(opts)
	for _, w := range warnings {
		klog.Warning(w)
	}
	return spec
}

// IsEmpty returns whether this is the empty descriptor, used for single-process training.
func (s Spec) IsEmpty() bool {
	return s.Task == nil && len(s.Cluster) == 0
}

// Role of the local task, or "" for the empty descriptor.
func (s Spec) Role() Role {
	if s.Task == nil {
		return ""
	}
	return s.Task.Type
}

// IsChief returns whether the local task is responsible for checkpoints, summaries and evaluation:
// that is the master in a cluster, or the only process in single-process mode.
func (s Spec) IsChief() bool {
	return s.IsEmpty() || s.Role() == RoleMaster
}

// NumWorkers returns the number of workers in the cluster, 1 for the empty descriptor.
func (s Spec) NumWorkers() int {
	if s.IsEmpty() {
		return 1
	}
	return len(s.Cluster[RoleWorker])
}

// Endpoints returns a copy of the endpoints of the given role.
func (s Spec) Endpoints(role Role) []string {
	return slices.Clone(s.Cluster[role])
}

// String returns the JSON encoding of the descriptor.
func (s Spec) String() string {
	encoded, err := json.Marshal(s)
	if err != nil {
		return fmt.Sprintf("<invalid cluster spec: %v>", err)
	}
	return string(encoded)
}
