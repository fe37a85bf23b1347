// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"net"
	"strings"

	"github.com/pkg/errors"
)

// LocalHost is the host name a task uses to refer to itself.
const LocalHost = "localhost"

// ParseHostList splits a comma-separated list of "host:port" endpoints.
// Blank entries are dropped, so an empty string yields a nil list.
func ParseHostList(hostList string) []string {
	var hosts []string
	for _, h := range strings.Split(hostList, ",") {
		h = strings.TrimSpace(h)
		if h == "" {
			continue
		}
		hosts = append(hosts, h)
	}
	return hosts
}

// LocalAddress returns the loopback version of the given "host:port" endpoint, that is "localhost:<port>".
func LocalAddress(endpoint string) (string, error) {
	_, port, err := net.SplitHostPort(endpoint)
	if err != nil {
		return "", errors.Wrapf(err, "invalid endpoint %q, expected host:port", endpoint)
	}
	if port == "" {
		return "", errors.Errorf("endpoint %q has an empty port", endpoint)
	}
	return net.JoinHostPort(LocalHost, port), nil
}
