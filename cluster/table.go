// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"strconv"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
)

var (
	tableBorderColor = "#705090"
	selfStyle        = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle        = lipgloss.NewStyle().Padding(0, 1)
)

// rolesOrder in which Table lists the endpoints.
var rolesOrder = []Role{RoleMaster, RoleWorker, RolePS}

// Table renders the descriptor as a table of role, index and endpoint, with the local task marked
// with a "*". The empty descriptor renders as a single "single-process" line.
func (s Spec) Table() string {
	if s.IsEmpty() {
		return "cluster: single-process"
	}
	var selfRow int
	rows := [][]string{}
	for _, role := range rolesOrder {
		for idx, endpoint := range s.Cluster[role] {
			mark := ""
			if s.Task != nil && s.Task.Type == role && s.Task.Index == idx {
				mark = "*"
				selfRow = len(rows)
			}
			rows = append(rows, []string{mark, string(role), strconv.Itoa(idx), endpoint})
		}
	}
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		Headers("", "role", "index", "endpoint").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row >= 0 && row == selfRow && rows[row][0] == "*" {
				return selfStyle
			}
			return cellStyle
		})
	return table.String()
}
