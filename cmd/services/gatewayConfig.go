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
	"fmt"

	"github.com/imdario/mergo"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v2"

	"github.com/relaygate/relaygate/services/gateway"
	"github.com/relaygate/relaygate/services/gateway/policy"
	"github.com/relaygate/relaygate/services/gateway/routing"
)

// configFs is swapped for an in-memory filesystem in tests
var configFs = afero.NewOsFs()

// gatewayFileConfig is the structure of the optional yaml configuration file.
// Boolean settings use pointers so that an absent key is told apart from an
// explicit false.
type gatewayFileConfig struct {
	Upstreams       []gateway.SeedUpstream `yaml:"upstreams"`
	Routes          []routing.Rule         `yaml:"routes"`
	DefaultStrategy string                 `yaml:"default_strategy"`
	Policy          struct {
		AllowedPorts        []uint   `yaml:"allowed_ports"`
		AllowedDomains      []string `yaml:"allowed_domains"`
		DeniedDomains       []string `yaml:"denied_domains"`
		AllowPrivateTargets *bool    `yaml:"allow_private_targets"`
	} `yaml:"policy"`
	Headers struct {
		ForwardCookies *bool    `yaml:"forward_cookies"`
		ForceAgent     *bool    `yaml:"force_agent"`
		UserAgents     []string `yaml:"user_agents"`
		AcceptLanguage string   `yaml:"accept_language"`
		AcceptEncoding string   `yaml:"accept_encoding"`
	} `yaml:"headers"`
	Monitor struct {
		ProbeURLs []string `yaml:"probe_urls"`
	} `yaml:"monitor"`
}

// loadGatewayConfig reads the configuration file and folds it into the
// options, file values take precedence over the built-in defaults.
func loadGatewayConfig(path string, options *gateway.Options) error {
	expandedPath, err := homedir.Expand(path)
	if err != nil {
		return err
	}

	content, err := afero.ReadFile(configFs, expandedPath)
	if err != nil {
		return fmt.Errorf("unable to read the gateway configuration file %q: %w", path, err)
	}

	config := gatewayFileConfig{}
	if err := yaml.UnmarshalStrict(content, &config); err != nil {
		return fmt.Errorf("invalid gateway configuration file %q: %w", path, err)
	}

	options.Upstreams = append(options.Upstreams, config.Upstreams...)
	options.Routes = append(options.Routes, config.Routes...)
	if config.DefaultStrategy != "" {
		options.DefaultStrategy = config.DefaultStrategy
	}

	// File values win, the merge backfills whatever the file leaves out
	policyOverride := policy.Options{
		AllowedPorts:   config.Policy.AllowedPorts,
		AllowedDomains: config.Policy.AllowedDomains,
		DeniedDomains:  config.Policy.DeniedDomains,
	}
	if err := mergo.Merge(&policyOverride, options.Policy); err != nil {
		return err
	}
	options.Policy = policyOverride
	if config.Policy.AllowPrivateTargets != nil {
		options.Policy.AllowPrivateTargets = *config.Policy.AllowPrivateTargets
	}

	if len(config.Headers.UserAgents) > 0 {
		options.Headers.UserAgents = config.Headers.UserAgents
	}
	if config.Headers.ForwardCookies != nil {
		options.Headers.ForwardCookies = *config.Headers.ForwardCookies
	}
	if config.Headers.ForceAgent != nil {
		options.Headers.ForceAgent = *config.Headers.ForceAgent
	}
	if config.Headers.AcceptLanguage != "" {
		options.Headers.AcceptLanguage = config.Headers.AcceptLanguage
	}
	if config.Headers.AcceptEncoding != "" {
		options.Headers.AcceptEncoding = config.Headers.AcceptEncoding
	}

	if len(config.Monitor.ProbeURLs) > 0 {
		options.Monitor.ProbeURLs = config.Monitor.ProbeURLs
	}

	log.WithField("path", expandedPath).Info("gateway configuration file loaded")
	return nil
}
