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

package gateway

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaygate/relaygate/services/pool"
	"github.com/relaygate/relaygate/services/pool/backend/memory"
)

func TestCreatePoolBackendMemory(t *testing.T) {
	options := DefaultOptions
	options.PoolBackend = PoolBackendMemory

	backend, err := createPoolBackend(options)
	require.NoError(t, err)
	defer backend.Destroy()
}

func TestCreatePoolBackendBolt(t *testing.T) {
	options := DefaultOptions
	options.PoolBackend = PoolBackendBolt
	options.PoolFile = filepath.Join(t.TempDir(), "nested", "pool.db")

	backend, err := createPoolBackend(options)
	require.NoError(t, err)
	defer backend.Destroy()

	assert.FileExists(t, options.PoolFile)
}

func TestCreatePoolBackendUnknown(t *testing.T) {
	options := DefaultOptions
	options.PoolBackend = "cloud"

	_, err := createPoolBackend(options)
	assert.ErrorContains(t, err, "unknown pool backend")
}

func TestSeedUpstreams(t *testing.T) {
	backend, err := memory.CreateMemoryBackend()
	require.NoError(t, err)
	t.Cleanup(backend.Destroy)

	upstreams := pool.NewRegistry(backend)

	seeds := []SeedUpstream{
		{URL: "http://upstream-1.example.com:3128", Region: "us-east"},
		{URL: "http://upstream-2.example.com:3128", Region: "eu-west", Permanent: true},
	}
	require.NoError(t, seedUpstreams(upstreams, seeds))

	registered, err := upstreams.List()
	require.NoError(t, err)
	require.Len(t, registered, 2)
	assert.True(t, registered[0].Permanent)
	assert.Equal(t, "eu-west", registered[0].Region)

	// Seeding again on a warm pool must not duplicate
	require.NoError(t, seedUpstreams(upstreams, seeds))

	registered, err = upstreams.List()
	require.NoError(t, err)
	assert.Len(t, registered, 2)
}

func TestSeedUpstreamsInvalidURL(t *testing.T) {
	backend, err := memory.CreateMemoryBackend()
	require.NoError(t, err)
	t.Cleanup(backend.Destroy)

	upstreams := pool.NewRegistry(backend)

	err = seedUpstreams(upstreams, []SeedUpstream{{URL: "ftp://upstream-1.example.com"}})
	assert.ErrorContains(t, err, "unable to seed upstream")
}

func TestRunGracefulStop(t *testing.T) {
	options := DefaultOptions
	options.Port = 0
	options.PoolBackend = PoolBackendMemory
	options.Monitor.Period = 0

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, options)
	}()

	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(10 * time.Second):
		t.Fatal("the gateway did not stop in time")
	}
}
