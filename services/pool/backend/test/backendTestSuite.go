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

// Package test gathers the test suite shared by every pool backend
// implementation.
package test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaygate/relaygate/services/pool"
)

func makeUpstream(idx int) *pool.Upstream {
	return &pool.Upstream{
		URL:         fmt.Sprintf("http://upstream-%d.internal:3128", idx),
		Region:      "us-east",
		Health:      pool.HealthGood,
		SuccessRate: 1.0,
	}
}

// RunSuite runs the backend contract tests against a fresh backend created by
// createBackend, destroyBackend is called on the way out.
func RunSuite(t *testing.T, createBackend func() pool.Backend, destroyBackend func(pool.Backend)) {
	t.Run("TestInsertAssignsIdentity", func(t *testing.T) {
		b := createBackend()
		defer destroyBackend(b)

		seen := map[pool.UpstreamID]bool{}
		for i := 0; i < 20; i++ {
			upstream := makeUpstream(i)
			require.NoError(t, b.Insert(upstream))
			assert.NotZero(t, upstream.ID)
			assert.NotZero(t, upstream.Registered)
			assert.False(t, seen[upstream.ID])
			seen[upstream.ID] = true
		}
	})

	t.Run("TestRetrieve", func(t *testing.T) {
		b := createBackend()
		defer destroyBackend(b)

		upstream := makeUpstream(0)
		require.NoError(t, b.Insert(upstream))

		retrieved, err := b.Retrieve(upstream.ID)
		require.NoError(t, err)
		assert.Equal(t, upstream.URL, retrieved.URL)
		assert.Equal(t, upstream.Region, retrieved.Region)
		assert.Equal(t, upstream.Health, retrieved.Health)
		assert.Equal(t, upstream.Registered, retrieved.Registered)

		// Returned records are detached
		retrieved.Region = "eu-west"
		again, err := b.Retrieve(upstream.ID)
		require.NoError(t, err)
		assert.Equal(t, "us-east", again.Region)
	})

	t.Run("TestRetrieveUnknown", func(t *testing.T) {
		b := createBackend()
		defer destroyBackend(b)

		_, err := b.Retrieve(pool.UpstreamID(42))
		var unknownErr *pool.UnknownUpstreamError
		require.ErrorAs(t, err, &unknownErr)
		assert.Equal(t, pool.UpstreamID(42), unknownErr.ID)
	})

	t.Run("TestUpdate", func(t *testing.T) {
		b := createBackend()
		defer destroyBackend(b)

		upstream := makeUpstream(0)
		require.NoError(t, b.Insert(upstream))

		err := b.Update(upstream.ID, func(u *pool.Upstream) error {
			u.Latency = 120
			u.Health = pool.HealthExcellent
			// Attempts to change the identity are ignored
			u.ID = pool.UpstreamID(1)
			u.Registered = 1
			return nil
		})
		require.NoError(t, err)

		updated, err := b.Retrieve(upstream.ID)
		require.NoError(t, err)
		assert.Equal(t, upstream.ID, updated.ID)
		assert.Equal(t, upstream.Registered, updated.Registered)
		assert.Equal(t, 120.0, updated.Latency)
		assert.Equal(t, pool.HealthExcellent, updated.Health)
	})

	t.Run("TestUpdateMutateError", func(t *testing.T) {
		b := createBackend()
		defer destroyBackend(b)

		upstream := makeUpstream(0)
		require.NoError(t, b.Insert(upstream))

		mutateErr := errors.New("nope")
		err := b.Update(upstream.ID, func(u *pool.Upstream) error {
			u.Latency = 9999
			return mutateErr
		})
		assert.ErrorIs(t, err, mutateErr)

		// Nothing was written
		unchanged, err := b.Retrieve(upstream.ID)
		require.NoError(t, err)
		assert.Equal(t, 0.0, unchanged.Latency)
	})

	t.Run("TestUpdateUnknown", func(t *testing.T) {
		b := createBackend()
		defer destroyBackend(b)

		err := b.Update(pool.UpstreamID(42), func(u *pool.Upstream) error { return nil })
		var unknownErr *pool.UnknownUpstreamError
		assert.ErrorAs(t, err, &unknownErr)
	})

	t.Run("TestDelete", func(t *testing.T) {
		b := createBackend()
		defer destroyBackend(b)

		upstream := makeUpstream(0)
		require.NoError(t, b.Insert(upstream))
		require.NoError(t, b.Delete(upstream.ID))

		_, err := b.Retrieve(upstream.ID)
		assert.Error(t, err)

		// Deleting an unknown ID is fine
		assert.NoError(t, b.Delete(upstream.ID))
	})

	t.Run("TestList", func(t *testing.T) {
		b := createBackend()
		defer destroyBackend(b)

		upstreams, err := b.List()
		require.NoError(t, err)
		assert.Empty(t, upstreams)

		inserted := map[pool.UpstreamID]string{}
		for i := 0; i < 5; i++ {
			upstream := makeUpstream(i)
			require.NoError(t, b.Insert(upstream))
			inserted[upstream.ID] = upstream.URL
		}

		upstreams, err = b.List()
		require.NoError(t, err)
		assert.Len(t, upstreams, 5)
		for _, upstream := range upstreams {
			assert.Equal(t, inserted[upstream.ID], upstream.URL)
		}
	})
}
