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
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaygate/relaygate/services/gateway"
)

func useConfigFs(t *testing.T, files map[string]string) {
	previousFs := configFs
	configFs = afero.NewMemMapFs()
	t.Cleanup(func() { configFs = previousFs })

	for path, content := range files {
		err := afero.WriteFile(configFs, path, []byte(content), 0644)
		require.NoError(t, err)
	}
}

func TestLoadGatewayConfig(t *testing.T) {
	useConfigFs(t, map[string]string{
		"/etc/relaygate/gateway.yaml": `
upstreams:
  - url: http://upstream-1.example.com:3128
    region: eu-west
  - url: http://upstream-2.example.com:3128
    region: us-east
    permanent: true
routes:
  - pattern: internal.example.com
    strategy: deny
  - pattern: "*"
    strategy: pool
default_strategy: pool
policy:
  denied_domains:
    - tracker.example.net
  allowed_domains:
    - example.com
  allowed_ports: [443]
headers:
  forward_cookies: true
  force_agent: true
  user_agents:
    - test-agent/1.0
  accept_language: fr-FR,fr;q=0.9
monitor:
  probe_urls:
    - https://probe.example.com/generate_204
`,
	})

	options := gateway.DefaultOptions
	err := loadGatewayConfig("/etc/relaygate/gateway.yaml", &options)
	require.NoError(t, err)

	require.Len(t, options.Upstreams, 2)
	assert.Equal(t, "http://upstream-1.example.com:3128", options.Upstreams[0].URL)
	assert.True(t, options.Upstreams[1].Permanent)

	require.Len(t, options.Routes, 2)
	assert.Equal(t, "internal.example.com", options.Routes[0].Pattern)
	assert.Equal(t, "deny", options.Routes[0].Strategy)

	assert.Equal(t, "pool", options.DefaultStrategy)

	assert.Equal(t, []uint{443}, options.Policy.AllowedPorts)
	assert.Equal(t, []string{"example.com"}, options.Policy.AllowedDomains)
	assert.Equal(t, []string{"tracker.example.net"}, options.Policy.DeniedDomains)
	// Absent from the file, the default stands
	assert.False(t, options.Policy.AllowPrivateTargets)

	assert.True(t, options.Headers.ForwardCookies)
	assert.True(t, options.Headers.ForceAgent)
	assert.Equal(t, []string{"test-agent/1.0"}, options.Headers.UserAgents)
	assert.Equal(t, "fr-FR,fr;q=0.9", options.Headers.AcceptLanguage)
	// Absent from the file, the default stands
	assert.Equal(t, gateway.DefaultOptions.Headers.AcceptEncoding, options.Headers.AcceptEncoding)
	assert.Equal(t, []string{"https://probe.example.com/generate_204"}, options.Monitor.ProbeURLs)
}

func TestLoadGatewayConfigDefaultsStand(t *testing.T) {
	useConfigFs(t, map[string]string{
		"/etc/relaygate/gateway.yaml": `
routes:
  - pattern: "*"
    strategy: direct
`,
	})

	options := gateway.DefaultOptions
	err := loadGatewayConfig("/etc/relaygate/gateway.yaml", &options)
	require.NoError(t, err)

	assert.Empty(t, options.Upstreams)
	assert.Equal(t, gateway.DefaultOptions.DefaultStrategy, options.DefaultStrategy)
	assert.Equal(t, gateway.DefaultOptions.Policy.AllowedPorts, options.Policy.AllowedPorts)
	assert.Empty(t, options.Policy.AllowedDomains)
	assert.Equal(t, gateway.DefaultOptions.Monitor.ProbeURLs, options.Monitor.ProbeURLs)
	assert.False(t, options.Headers.ForwardCookies)
	assert.False(t, options.Headers.ForceAgent)
}

func TestLoadGatewayConfigMissingFile(t *testing.T) {
	useConfigFs(t, nil)

	options := gateway.DefaultOptions
	err := loadGatewayConfig("/etc/relaygate/absent.yaml", &options)
	assert.Error(t, err)
}

func TestLoadGatewayConfigUnknownKey(t *testing.T) {
	useConfigFs(t, map[string]string{
		"/etc/relaygate/gateway.yaml": `
upstrems:
  - url: http://upstream-1.example.com:3128
`,
	})

	options := gateway.DefaultOptions
	err := loadGatewayConfig("/etc/relaygate/gateway.yaml", &options)
	assert.Error(t, err)
}
