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
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

// routesCmd represents the `relaygate client routes` command
var routesCmd = &cobra.Command{
	Use:          "routes",
	Short:        "List the routing rules of the gateway",
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

		rules, err := client.ListRoutes()
		if err != nil {
			return err
		}

		switch consoleOutputFormat {
		case text:
			table := tablewriter.NewWriter(os.Stdout)
			table.SetBorder(false)
			table.SetHeader([]string{"pattern", "strategy", "region"})
			for _, rule := range rules {
				table.Append([]string{rule.Pattern, rule.Strategy, rule.Region})
			}
			table.Render()
		case json:
			return renderJSON(rules)
		}
		return nil
	},
}
