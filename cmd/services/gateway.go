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

package services

import (
	"context"
	"fmt"

	"github.com/jinzhu/copier"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/relaygate/relaygate/cmd/services/utils"
	"github.com/relaygate/relaygate/services/gateway"
	servicesUtils "github.com/relaygate/relaygate/services/utils"
	"github.com/relaygate/relaygate/version"
)

// gatewayViper represents the configuration of the gateway command
var gatewayViper = viper.New()

const gatewayPortKey = "port"
const gatewayPortEnv = "RELAYGATE_GATEWAY_PORT"
const gatewaySecretKey = "secret"
const gatewaySecretEnv = "RELAYGATE_GATEWAY_SECRET"
const gatewayConfigFileKey = "config_file"
const gatewayConfigFileEnv = "RELAYGATE_GATEWAY_CONFIG_FILE"
const gatewayDefaultStrategyKey = "default_strategy"
const gatewayDefaultStrategyEnv = "RELAYGATE_GATEWAY_DEFAULT_STRATEGY"
const gatewayPoolBackendKey = "pool_backend"
const gatewayPoolBackendEnv = "RELAYGATE_GATEWAY_POOL_BACKEND"
const gatewayPoolFileKey = "pool_file"
const gatewayPoolFileEnv = "RELAYGATE_GATEWAY_POOL_FILE"
const gatewayFetchTimeoutKey = "fetch_timeout"
const gatewayFetchTimeoutEnv = "RELAYGATE_GATEWAY_FETCH_TIMEOUT"
const gatewayFetchAttemptsKey = "fetch_attempts"
const gatewayFetchAttemptsEnv = "RELAYGATE_GATEWAY_FETCH_ATTEMPTS"
const gatewayMaxRedirectsKey = "max_redirects"
const gatewayMaxRedirectsEnv = "RELAYGATE_GATEWAY_MAX_REDIRECTS"
const gatewayMaxBodyBytesKey = "max_body_bytes"
const gatewayMaxBodyBytesEnv = "RELAYGATE_GATEWAY_MAX_BODY_BYTES"
const gatewayInsecureTLSKey = "insecure_tls"
const gatewayInsecureTLSEnv = "RELAYGATE_GATEWAY_INSECURE_TLS"
const gatewayMonitorPeriodKey = "monitor_period"
const gatewayMonitorPeriodEnv = "RELAYGATE_GATEWAY_MONITOR_PERIOD"
const gatewayProbeTimeoutKey = "probe_timeout"
const gatewayProbeTimeoutEnv = "RELAYGATE_GATEWAY_PROBE_TIMEOUT"
const gatewayRegionSampleKey = "region_sample"
const gatewayRegionSampleEnv = "RELAYGATE_GATEWAY_REGION_SAMPLE"
const gatewayRateLimitKey = "rate_limit"
const gatewayRateLimitEnv = "RELAYGATE_GATEWAY_RATE_LIMIT"
const gatewayRateBurstKey = "rate_burst"
const gatewayRateBurstEnv = "RELAYGATE_GATEWAY_RATE_BURST"

// gatewayCmd represents the gateway service
var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Run the egress gateway",
	Args:  cobra.NoArgs,
	RunE: func(_cmd *cobra.Command, _args []string) error {
		err := configureLog(servicesViper)
		if err != nil {
			return err
		}

		log.WithFields(logrus.Fields{
			"version": version.Version,
			"hash":    version.Hash,
		}).Info("starting the gateway service")

		options := gateway.Options{}
		if err := copier.Copy(&options, &gateway.DefaultOptions); err != nil {
			return err
		}

		options.Port = gatewayViper.GetUint(gatewayPortKey)
		options.AdminSecret = gatewayViper.GetString(gatewaySecretKey)
		options.DefaultStrategy = gatewayViper.GetString(gatewayDefaultStrategyKey)
		options.PoolBackend = gatewayViper.GetString(gatewayPoolBackendKey)
		options.Fetcher.Timeout = gatewayViper.GetDuration(gatewayFetchTimeoutKey)
		options.Fetcher.MaxAttempts = gatewayViper.GetInt(gatewayFetchAttemptsKey)
		options.Fetcher.MaxRedirects = gatewayViper.GetInt(gatewayMaxRedirectsKey)
		options.Fetcher.MaxBodyBytes = gatewayViper.GetInt64(gatewayMaxBodyBytesKey)
		options.Fetcher.InsecureTLS = gatewayViper.GetBool(gatewayInsecureTLSKey)
		options.Monitor.Period = gatewayViper.GetDuration(gatewayMonitorPeriodKey)
		options.Monitor.ProbeTimeout = gatewayViper.GetDuration(gatewayProbeTimeoutKey)
		options.Monitor.RegionSample = gatewayViper.GetInt(gatewayRegionSampleKey)
		options.RateLimitPerSecond = gatewayViper.GetFloat64(gatewayRateLimitKey)
		options.RateLimitBurst = gatewayViper.GetInt(gatewayRateBurstKey)

		options.PoolFile, err = homedir.Expand(gatewayViper.GetString(gatewayPoolFileKey))
		if err != nil {
			return err
		}

		if options.Port != 0 {
			if err := servicesUtils.CheckTCPPortAvailable(options.Port); err != nil {
				return fmt.Errorf("gateway port [%d] unavailable: %w", options.Port, err)
			}
		}

		if configFile := gatewayViper.GetString(gatewayConfigFileKey); configFile != "" {
			if err := loadGatewayConfig(configFile, &options); err != nil {
				return err
			}
		}

		ctx := utils.ContextWithUserTermination(context.Background())

		err = gateway.Run(ctx, options)
		if err != nil {
			if err == context.Canceled {
				log.Info("interrupted by user")
				return nil
			}
			return err
		}
		return nil
	},
}

func init() {
	gatewayViper.SetDefault(gatewayPortKey, gateway.DefaultOptions.Port)
	_ = gatewayViper.BindEnv(gatewayPortKey, gatewayPortEnv)
	gatewayCmd.Flags().Uint(
		gatewayPortKey,
		gatewayViper.GetUint(gatewayPortKey),
		"The http port to listen on",
	)

	gatewayViper.SetDefault(gatewaySecretKey, gateway.DefaultOptions.AdminSecret)
	_ = gatewayViper.BindEnv(gatewaySecretKey, gatewaySecretEnv)
	gatewayCmd.Flags().String(
		gatewaySecretKey,
		gatewayViper.GetString(gatewaySecretKey),
		"Secret used to sign the admin API tokens",
	)

	gatewayViper.SetDefault(gatewayConfigFileKey, "")
	_ = gatewayViper.BindEnv(gatewayConfigFileKey, gatewayConfigFileEnv)
	gatewayCmd.Flags().String(
		gatewayConfigFileKey,
		gatewayViper.GetString(gatewayConfigFileKey),
		"Path to a yaml configuration file holding routes, upstream seeds, policy and header settings",
	)

	gatewayViper.SetDefault(gatewayDefaultStrategyKey, gateway.DefaultOptions.DefaultStrategy)
	_ = gatewayViper.BindEnv(gatewayDefaultStrategyKey, gatewayDefaultStrategyEnv)
	gatewayCmd.Flags().String(
		gatewayDefaultStrategyKey,
		gatewayViper.GetString(gatewayDefaultStrategyKey),
		"Strategy for hosts matching no route rule (direct, pool or deny)",
	)

	gatewayViper.SetDefault(gatewayPoolBackendKey, gateway.DefaultOptions.PoolBackend)
	_ = gatewayViper.BindEnv(gatewayPoolBackendKey, gatewayPoolBackendEnv)
	gatewayCmd.Flags().String(
		gatewayPoolBackendKey,
		gatewayViper.GetString(gatewayPoolBackendKey),
		"Storage backend for the upstream pool (memory or bolt)",
	)

	gatewayViper.SetDefault(gatewayPoolFileKey, gateway.DefaultOptions.PoolFile)
	_ = gatewayViper.BindEnv(gatewayPoolFileKey, gatewayPoolFileEnv)
	gatewayCmd.Flags().String(
		gatewayPoolFileKey,
		gatewayViper.GetString(gatewayPoolFileKey),
		"Path to the pool database file used by the bolt backend",
	)

	gatewayViper.SetDefault(gatewayFetchTimeoutKey, gateway.DefaultOptions.Fetcher.Timeout)
	_ = gatewayViper.BindEnv(gatewayFetchTimeoutKey, gatewayFetchTimeoutEnv)
	gatewayCmd.Flags().Duration(
		gatewayFetchTimeoutKey,
		gatewayViper.GetDuration(gatewayFetchTimeoutKey),
		"Deadline of a relayed fetch",
	)

	gatewayViper.SetDefault(gatewayFetchAttemptsKey, gateway.DefaultOptions.Fetcher.MaxAttempts)
	_ = gatewayViper.BindEnv(gatewayFetchAttemptsKey, gatewayFetchAttemptsEnv)
	gatewayCmd.Flags().Int(
		gatewayFetchAttemptsKey,
		gatewayViper.GetInt(gatewayFetchAttemptsKey),
		"Maximum upstream attempts for a pooled fetch",
	)

	gatewayViper.SetDefault(gatewayMaxRedirectsKey, gateway.DefaultOptions.Fetcher.MaxRedirects)
	_ = gatewayViper.BindEnv(gatewayMaxRedirectsKey, gatewayMaxRedirectsEnv)
	gatewayCmd.Flags().Int(
		gatewayMaxRedirectsKey,
		gatewayViper.GetInt(gatewayMaxRedirectsKey),
		"Maximum redirect hops followed by a fetch",
	)

	gatewayViper.SetDefault(gatewayMaxBodyBytesKey, gateway.DefaultOptions.Fetcher.MaxBodyBytes)
	_ = gatewayViper.BindEnv(gatewayMaxBodyBytesKey, gatewayMaxBodyBytesEnv)
	gatewayCmd.Flags().Int64(
		gatewayMaxBodyBytesKey,
		gatewayViper.GetInt64(gatewayMaxBodyBytesKey),
		"Maximum size of a relayed response body in bytes",
	)

	gatewayViper.SetDefault(gatewayInsecureTLSKey, gateway.DefaultOptions.Fetcher.InsecureTLS)
	_ = gatewayViper.BindEnv(gatewayInsecureTLSKey, gatewayInsecureTLSEnv)
	gatewayCmd.Flags().Bool(
		gatewayInsecureTLSKey,
		gatewayViper.GetBool(gatewayInsecureTLSKey),
		"Skip TLS certificate verification of fetch targets",
	)

	gatewayViper.SetDefault(gatewayMonitorPeriodKey, gateway.DefaultOptions.Monitor.Period)
	_ = gatewayViper.BindEnv(gatewayMonitorPeriodKey, gatewayMonitorPeriodEnv)
	gatewayCmd.Flags().Duration(
		gatewayMonitorPeriodKey,
		gatewayViper.GetDuration(gatewayMonitorPeriodKey),
		"Period of the upstream health probe cycles, 0 disables the monitor",
	)

	gatewayViper.SetDefault(gatewayProbeTimeoutKey, gateway.DefaultOptions.Monitor.ProbeTimeout)
	_ = gatewayViper.BindEnv(gatewayProbeTimeoutKey, gatewayProbeTimeoutEnv)
	gatewayCmd.Flags().Duration(
		gatewayProbeTimeoutKey,
		gatewayViper.GetDuration(gatewayProbeTimeoutKey),
		"Deadline of a single health probe",
	)

	gatewayViper.SetDefault(gatewayRegionSampleKey, gateway.DefaultOptions.Monitor.RegionSample)
	_ = gatewayViper.BindEnv(gatewayRegionSampleKey, gatewayRegionSampleEnv)
	gatewayCmd.Flags().Int(
		gatewayRegionSampleKey,
		gatewayViper.GetInt(gatewayRegionSampleKey),
		"Number of regions probed per health cycle",
	)

	gatewayViper.SetDefault(gatewayRateLimitKey, gateway.DefaultOptions.RateLimitPerSecond)
	_ = gatewayViper.BindEnv(gatewayRateLimitKey, gatewayRateLimitEnv)
	gatewayCmd.Flags().Float64(
		gatewayRateLimitKey,
		gatewayViper.GetFloat64(gatewayRateLimitKey),
		"Fetch requests allowed per second and per client",
	)

	gatewayViper.SetDefault(gatewayRateBurstKey, gateway.DefaultOptions.RateLimitBurst)
	_ = gatewayViper.BindEnv(gatewayRateBurstKey, gatewayRateBurstEnv)
	gatewayCmd.Flags().Int(
		gatewayRateBurstKey,
		gatewayViper.GetInt(gatewayRateBurstKey),
		"Burst size of the per client rate limit",
	)

	// Don't sort alphabetically, keep insertion order
	gatewayCmd.Flags().SortFlags = false

	// Bind "cobra" flags defined in the CLI with viper
	_ = gatewayViper.BindPFlags(gatewayCmd.Flags())
}
