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
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	gatewayClient "github.com/relaygate/relaygate/clients/gateway"
)

// clientViper represents the configuration of the `relaygate client` command
var clientViper = viper.New()

const (
	clientGatewayURLKey          = "gateway_url"
	clientGatewayURLEnv          = "RELAYGATE_GATEWAY_URL"
	clientAdminTokenKey          = "admin_token"
	clientAdminTokenEnv          = "RELAYGATE_ADMIN_TOKEN"
	clientTimeoutKey             = "timeout"
	clientConsoleOutputFormatKey = "console_output"
	defaultClientTimeout         = 30 * time.Second
)

// ClientCmd represents the `relaygate client` command
var ClientCmd = &cobra.Command{
	Use:   "client",
	Short: "Query a running gateway",
	Args:  cobra.NoArgs,
}

func newGatewayClient() (*gatewayClient.Client, error) {
	return gatewayClient.New(gatewayClient.Options{
		BaseURL:    clientViper.GetString(clientGatewayURLKey),
		AdminToken: clientViper.GetString(clientAdminTokenKey),
		Timeout:    clientViper.GetDuration(clientTimeoutKey),
	})
}

func init() {
	clientViper.SetDefault(clientGatewayURLKey, gatewayClient.DefaultOptions.BaseURL)
	_ = clientViper.BindEnv(clientGatewayURLKey, clientGatewayURLEnv)
	ClientCmd.PersistentFlags().String(
		clientGatewayURLKey,
		clientViper.GetString(clientGatewayURLKey),
		"Base URL of the gateway",
	)

	clientViper.SetDefault(clientAdminTokenKey, "")
	_ = clientViper.BindEnv(clientAdminTokenKey, clientAdminTokenEnv)
	ClientCmd.PersistentFlags().String(
		clientAdminTokenKey,
		clientViper.GetString(clientAdminTokenKey),
		"Bearer token for the admin routes (mint one with `relaygate token`)",
	)

	clientViper.SetDefault(clientTimeoutKey, defaultClientTimeout)
	_ = clientViper.BindEnv(clientTimeoutKey, "RELAYGATE_CLIENT_TIMEOUT")
	ClientCmd.PersistentFlags().Duration(
		clientTimeoutKey,
		clientViper.GetDuration(clientTimeoutKey),
		"Timeout for the operation",
	)

	clientViper.SetDefault(clientConsoleOutputFormatKey, string(text))
	_ = clientViper.BindEnv(clientConsoleOutputFormatKey, "RELAYGATE_CLIENT_CONSOLE_OUTPUT")
	ClientCmd.PersistentFlags().String(
		clientConsoleOutputFormatKey,
		clientViper.GetString(clientConsoleOutputFormatKey),
		fmt.Sprintf(
			"Set console output format as one of %v",
			expectedOutputFormats,
		),
	)

	// Don't sort alphabetically, keep insertion order
	ClientCmd.PersistentFlags().SortFlags = false

	// Bind "cobra" flags defined in the CLI with viper
	_ = clientViper.BindPFlags(ClientCmd.PersistentFlags())

	// Add the client subcommands
	ClientCmd.AddCommand(statusCmd)
	ClientCmd.AddCommand(poolCmd)
	ClientCmd.AddCommand(routesCmd)
}
