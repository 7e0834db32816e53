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

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/relaygate/relaygate/services/gateway"
	"github.com/relaygate/relaygate/services/gateway/httpserver"
)

// tokenViper represents the configuration of the `relaygate token` command
var tokenViper = viper.New()

const tokenSecretKey = "secret"
const tokenSecretEnv = "RELAYGATE_GATEWAY_SECRET"
const tokenRoleKey = "role"

// tokenCmd mints a bearer token for the gateway admin API
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a bearer token for the gateway admin API",
	Args:  cobra.NoArgs,
	RunE: func(_cmd *cobra.Command, _args []string) error {
		secret := tokenViper.GetString(tokenSecretKey)
		if secret == "" {
			return fmt.Errorf("no secret defined, use --%s", tokenSecretKey)
		}

		token, err := httpserver.MakeAndSerializeToken(tokenViper.GetString(tokenRoleKey), secret)
		if err != nil {
			return err
		}

		fmt.Println(token)
		return nil
	},
}

func init() {
	tokenViper.SetDefault(tokenSecretKey, gateway.DefaultOptions.AdminSecret)
	_ = tokenViper.BindEnv(tokenSecretKey, tokenSecretEnv)
	tokenCmd.Flags().String(
		tokenSecretKey,
		tokenViper.GetString(tokenSecretKey),
		"Secret the gateway signs and verifies admin tokens with",
	)

	tokenViper.SetDefault(tokenRoleKey, httpserver.AdminRole)
	tokenCmd.Flags().String(
		tokenRoleKey,
		tokenViper.GetString(tokenRoleKey),
		"Role claimed by the token",
	)

	// Don't sort alphabetically, keep insertion order
	tokenCmd.Flags().SortFlags = false

	// Bind "cobra" flags defined in the CLI with viper
	_ = tokenViper.BindPFlags(tokenCmd.Flags())
}
