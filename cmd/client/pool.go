// Copyright 2024 Relaygate Authors <dev@relaygate.dev>
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package client

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// poolCmd represents the `relaygate client pool` command
var poolCmd = &cobra.Command{
	Use:   "pool",
	Short: "Administer the upstream pool of the gateway",
	Args:  cobra.NoArgs,
}

func init() {
	poolCmd.AddCommand(poolListCmd)
	poolCmd.AddCommand(poolAddCmd)
	poolCmd.AddCommand(poolRemoveCmd)
	poolCmd.AddCommand(poolUpdateCmd)
	poolCmd.AddCommand(poolStatsCmd)
}

var healthColors = map[string]*color.Color{
	"excellent": color.New(color.FgGreen),
	"good":      color.New(color.FgGreen),
	"degraded":  color.New(color.FgYellow),
	"poor":      color.New(color.FgRed),
	"dead":      color.New(color.FgRed, color.Bold),
}

func colorizeHealth(health string) string {
	if c, ok := healthColors[health]; ok {
		return c.Sprint(health)
	}
	return health
}
