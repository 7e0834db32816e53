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
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

// poolStatsCmd represents the `relaygate client pool stats` command
var poolStatsCmd = &cobra.Command{
	Use:          "stats",
	Short:        "Retrieve aggregated statistics of the pool per region",
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE: func(_cmd *cobra.Command, _args []string) error {
		consoleOutputFormat, err := retrieveConsoleOutputFormat()
		if err != nil {
			return err
		}

		client, err := newGatewayClient()
		if err != nil {
			return err
		}

		stats, err := client.PoolStats()
		if err != nil {
			return err
		}

		switch consoleOutputFormat {
		case text:
			table := tablewriter.NewWriter(os.Stdout)
			table.SetBorder(false)
			table.SetHeader([]string{
				"region",
				"upstreams",
				"healthy",
				"avg latency",
				"avg success",
				"avg score",
				"grade",
			})
			for _, region := range stats {
				table.Append([]string{
					region.Region,
					fmt.Sprintf("%d", region.Count),
					fmt.Sprintf("%d", region.Healthy),
					fmt.Sprintf("%.0fms", region.AvgLatencyMs),
					fmt.Sprintf("%.0f%%", region.AvgSuccessRate*100),
					fmt.Sprintf("%.2f", region.AvgScore),
					colorizeHealth(region.Grade),
				})
			}
			table.Render()
		case json:
			return renderJSON(stats)
		}
		return nil
	},
}
