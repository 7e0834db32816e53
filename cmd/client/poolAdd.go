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

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/relaygate/relaygate/api"
)

// poolAddViper represents the configuration of the `relaygate client pool add` command
var poolAddViper = viper.New()

const (
	poolAddRegionKey    = "region"
	poolAddPermanentKey = "permanent"
)

// poolAddCmd represents the `relaygate client pool add` command
var poolAddCmd = &cobra.Command{
	Use:          "add url",
	Short:        "Register an upstream in the pool",
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE: func(_cmd *cobra.Command, args []string) error {
		consoleOutputFormat, err := retrieveConsoleOutputFormat()
		if err != nil {
			return err
		}

		client, err := newGatewayClient()
		if err != nil {
			return err
		}

		upstream, err := client.AddUpstream(api.AddUpstreamRequest{
			URL:       args[0],
			Region:    poolAddViper.GetString(poolAddRegionKey),
			Permanent: poolAddViper.GetBool(poolAddPermanentKey),
		})
		if err != nil {
			return err
		}

		switch consoleOutputFormat {
		case text:
			fmt.Printf("Upstream [%s] registered\n", upstream.ID)
		case json:
			return renderJSON(upstream)
		}
		return nil
	},
}

func init() {
	poolAddViper.SetDefault(poolAddRegionKey, "")
	poolAddCmd.Flags().String(
		poolAddRegionKey,
		poolAddViper.GetString(poolAddRegionKey),
		"Region label of the upstream",
	)

	poolAddViper.SetDefault(poolAddPermanentKey, false)
	poolAddCmd.Flags().Bool(
		poolAddPermanentKey,
		poolAddViper.GetBool(poolAddPermanentKey),
		"Permanent upstreams are never graded dead by the monitor",
	)

	// Don't sort alphabetically, keep insertion order
	poolAddCmd.Flags().SortFlags = false

	// Bind "cobra" flags defined in the CLI with viper
	_ = poolAddViper.BindPFlags(poolAddCmd.Flags())
}
