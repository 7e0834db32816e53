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

package memory

import (
	"sync"

	"github.com/relaygate/relaygate/services/pool"
	"github.com/relaygate/relaygate/utils"
)

type memoryBackend struct {
	data  map[pool.UpstreamID]*pool.Upstream
	mutex sync.Mutex

	// We will need to add indexes when/if efficiency is needed,
	// at least for the region
}

// CreateMemoryBackend creates a pool backend that holds everything in memory,
// content is lost when the service stops.
func CreateMemoryBackend() (pool.Backend, error) {
	return &memoryBackend{
		data:  make(map[pool.UpstreamID]*pool.Upstream),
		mutex: sync.Mutex{},
	}, nil
}

func (b *memoryBackend) getNewUpstreamID() pool.UpstreamID {
	id := pool.UpstreamID(utils.RandomUint())
	for ; ; id = pool.UpstreamID(utils.RandomUint()) {
		if _, exist := b.data[id]; id != 0 && !exist {
			break
		}
	}

	return id
}

func (b *memoryBackend) Insert(upstream *pool.Upstream) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	newID := b.getNewUpstreamID()
	upstream.ID = newID
	upstream.Registered = utils.Timestamp()
	b.data[newID] = upstream.Clone()

	return nil
}

func (b *memoryBackend) Update(id pool.UpstreamID, mutate func(*pool.Upstream) error) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	record, found := b.data[id]
	if !found {
		return pool.NewUnknownUpstreamError(id)
	}

	updated := record.Clone()
	if err := mutate(updated); err != nil {
		return err
	}

	// ID and registration timestamp are owned by the backend
	updated.ID = id
	updated.Registered = record.Registered
	b.data[id] = updated

	return nil
}

func (b *memoryBackend) Delete(id pool.UpstreamID) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	delete(b.data, id)
	return nil
}

func (b *memoryBackend) Retrieve(id pool.UpstreamID) (*pool.Upstream, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	record, found := b.data[id]
	if !found {
		return nil, pool.NewUnknownUpstreamError(id)
	}

	return record.Clone(), nil
}

func (b *memoryBackend) List() ([]*pool.Upstream, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	upstreams := make([]*pool.Upstream, 0, len(b.data))
	for _, record := range b.data {
		upstreams = append(upstreams, record.Clone())
	}

	return upstreams, nil
}

func (b *memoryBackend) Destroy() {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.data = make(map[pool.UpstreamID]*pool.Upstream)
}
