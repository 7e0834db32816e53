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
	"strings"

	"github.com/spf13/cobra"
)

// statusCmd represents the `relaygate client status` command
var statusCmd = &cobra.Command{
	Use:          "status",
	Short:        "Request the status of the gateway and of its upstream pool",
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

		info, err := client.GetInfo()
		if err != nil {
			return err
		}

		health, err := client.GetHealth()
		if err != nil {
			return err
		}

		switch consoleOutputFormat {
		case text:
			fmt.Printf("%s\n", info.Message)
			fmt.Printf("  version:   %s", info.Version)
			if info.VersionHash != "" {
				fmt.Printf(" (%s)", info.VersionHash)
			}
			fmt.Println()
			fmt.Printf("  upstreams: %d (%d healthy)\n", health.Upstreams, health.Healthy)
			if len(health.Regions) > 0 {
				fmt.Printf("  regions:   %s\n", strings.Join(health.Regions, ", "))
			}
		case json:
			return renderJSON(map[string]interface{}{
				"info":   info,
				"health": health,
			})
		}
		return nil
	},
}
