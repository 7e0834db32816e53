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
)

// poolRemoveCmd represents the `relaygate client pool remove` command
var poolRemoveCmd = &cobra.Command{
	Use:          "remove id",
	Aliases:      []string{"rm"},
	Short:        "Deregister an upstream from the pool",
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE: func(_cmd *cobra.Command, args []string) error {
		client, err := newGatewayClient()
		if err != nil {
			return err
		}

		if err := client.RemoveUpstream(args[0]); err != nil {
			return err
		}

		fmt.Printf("Upstream [%s] deregistered\n", args[0])
		return nil
	},
}
