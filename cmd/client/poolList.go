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
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

// poolListCmd represents the `relaygate client pool list` command
var poolListCmd = &cobra.Command{
	Use:          "list",
	Aliases:      []string{"ls"},
	Short:        "List the upstreams of the pool",
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

		upstreams, err := client.ListUpstreams()
		if err != nil {
			return err
		}

		switch consoleOutputFormat {
		case text:
			table := tablewriter.NewWriter(os.Stdout)
			table.SetBorder(false)
			table.SetHeader([]string{
				"id",
				"url",
				"region",
				"health",
				"success",
				"latency",
				"score",
				"last used",
			})
			for _, upstream := range upstreams {
				table.Append([]string{
					upstream.ID,
					upstream.URL,
					upstream.Region,
					colorizeHealth(upstream.Health),
					fmt.Sprintf("%.0f%%", upstream.SuccessRate*100),
					fmt.Sprintf("%.0fms", upstream.LatencyMs),
					fmt.Sprintf("%.2f", upstream.Score),
					humanizeRFC3339(upstream.LastUsed),
				})
			}
			table.SetFooter([]string{
				"", "", "", "", "", "", "total", fmt.Sprintf("%d", len(upstreams)),
			})
			table.Render()
		case json:
			return renderJSON(upstreams)
		}
		return nil
	},
}

// humanizeRFC3339 renders an RFC 3339 timestamp as a relative quantity,
// unparseable or empty values pass through unchanged.
func humanizeRFC3339(value string) string {
	if value == "" {
		return "never"
	}
	when, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return value
	}
	return humanize.Time(when)
}
