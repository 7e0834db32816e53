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

	"github.com/openlyinc/pointy"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/relaygate/relaygate/api"
)

// poolUpdateViper represents the configuration of the `relaygate client pool update` command
var poolUpdateViper = viper.New()

const (
	poolUpdateRegionKey    = "region"
	poolUpdatePermanentKey = "permanent"
	poolUpdateHealthKey    = "health"
)

// poolUpdateCmd represents the `relaygate client pool update` command
var poolUpdateCmd = &cobra.Command{
	Use:          "update id",
	Short:        "Update the operator supplied attributes of an upstream",
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		consoleOutputFormat, err := retrieveConsoleOutputFormat()
		if err != nil {
			return err
		}

		// Only the flags given on the command line end up in the patch
		request := api.UpdateUpstreamRequest{}
		if cmd.Flags().Changed(poolUpdateRegionKey) {
			request.Region = pointy.String(poolUpdateViper.GetString(poolUpdateRegionKey))
		}
		if cmd.Flags().Changed(poolUpdatePermanentKey) {
			request.Permanent = pointy.Bool(poolUpdateViper.GetBool(poolUpdatePermanentKey))
		}
		if cmd.Flags().Changed(poolUpdateHealthKey) {
			request.Health = pointy.String(poolUpdateViper.GetString(poolUpdateHealthKey))
		}
		if request.Region == nil && request.Permanent == nil && request.Health == nil {
			return fmt.Errorf(
				"nothing to update, use --%s, --%s or --%s",
				poolUpdateRegionKey, poolUpdatePermanentKey, poolUpdateHealthKey,
			)
		}

		client, err := newGatewayClient()
		if err != nil {
			return err
		}

		upstream, err := client.UpdateUpstream(args[0], request)
		if err != nil {
			return err
		}

		switch consoleOutputFormat {
		case text:
			fmt.Printf("Upstream [%s] updated\n", upstream.ID)
		case json:
			return renderJSON(upstream)
		}
		return nil
	},
}

func init() {
	poolUpdateViper.SetDefault(poolUpdateRegionKey, "")
	poolUpdateCmd.Flags().String(
		poolUpdateRegionKey,
		poolUpdateViper.GetString(poolUpdateRegionKey),
		"New region label",
	)

	poolUpdateViper.SetDefault(poolUpdatePermanentKey, false)
	poolUpdateCmd.Flags().Bool(
		poolUpdatePermanentKey,
		poolUpdateViper.GetBool(poolUpdatePermanentKey),
		"New permanent flag",
	)

	poolUpdateViper.SetDefault(poolUpdateHealthKey, "")
	poolUpdateCmd.Flags().String(
		poolUpdateHealthKey,
		poolUpdateViper.GetString(poolUpdateHealthKey),
		"New health grade, one of dead, poor, degraded, good or excellent",
	)

	// Don't sort alphabetically, keep insertion order
	poolUpdateCmd.Flags().SortFlags = false

	// Bind "cobra" flags defined in the CLI with viper
	_ = poolUpdateViper.BindPFlags(poolUpdateCmd.Flags())
}
