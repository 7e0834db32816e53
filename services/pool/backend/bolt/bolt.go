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

package bolt

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/relaygate/relaygate/services/pool"
	"github.com/relaygate/relaygate/utils"
)

type boltBackend struct {
	db       *bolt.DB
	filePath string
}

// Bucket structure is
//	upstreams	> {upstream_id}	> {pool.Upstream}

var upstreamsBucketName = []byte("upstreams")

func getUpstreamsBucket(tx *bolt.Tx) *bolt.Bucket {
	upstreamsBucket := tx.Bucket(upstreamsBucketName)
	if upstreamsBucket == nil {
		log.Fatal("upstreams bucket doesn't exist")
	}
	return upstreamsBucket
}

func serializeUpstreamID(id pool.UpstreamID) []byte {
	// Format using a hex representation of a fixed length of 16 characters padded with 0
	return []byte(fmt.Sprintf("%016x", uint64(id)))
}

func serializeUpstream(upstream *pool.Upstream) ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	err := enc.Encode(*upstream)
	if err != nil {
		return nil, pool.NewUnexpectedError("unable to serialize upstream (%w)", err)
	}
	return buf.Bytes(), nil
}

func deserializeUpstream(v []byte) (*pool.Upstream, error) {
	dec := gob.NewDecoder(bytes.NewBuffer(v))
	upstream := &pool.Upstream{}
	err := dec.Decode(upstream)
	if err != nil {
		return nil, pool.NewUnexpectedError("unable to deserialize upstream (%w)", err)
	}
	return upstream, nil
}

// CreateBoltBackend creates a pool backend that persists upstreams in a
// bolt-managed file.
func CreateBoltBackend(filePath string) (pool.Backend, error) {
	db, err := bolt.Open(filePath, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		// Opening of the file failed
		return nil, err
	}
	// Create the root bucket
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(upstreamsBucketName)
		if err != nil {
			return pool.NewUnexpectedError("unable to create the upstreams bucket (%w)", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &boltBackend{db: db, filePath: filePath}, nil
}

func (b *boltBackend) Insert(upstream *pool.Upstream) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		upstreamsBucket := getUpstreamsBucket(tx)

		id := pool.UpstreamID(utils.RandomUint())
		for ; ; id = pool.UpstreamID(utils.RandomUint()) {
			if id != 0 && upstreamsBucket.Get(serializeUpstreamID(id)) == nil {
				break
			}
		}

		upstream.ID = id
		upstream.Registered = utils.Timestamp()

		value, err := serializeUpstream(upstream)
		if err != nil {
			return err
		}
		err = upstreamsBucket.Put(serializeUpstreamID(id), value)
		if err != nil {
			return pool.NewUnexpectedError("unable to store upstream [%d] (%w)", id, err)
		}
		return nil
	})
}

func (b *boltBackend) Update(id pool.UpstreamID, mutate func(*pool.Upstream) error) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		upstreamsBucket := getUpstreamsBucket(tx)

		value := upstreamsBucket.Get(serializeUpstreamID(id))
		if value == nil {
			return pool.NewUnknownUpstreamError(id)
		}

		upstream, err := deserializeUpstream(value)
		if err != nil {
			return err
		}

		registered := upstream.Registered
		if err := mutate(upstream); err != nil {
			return err
		}

		// ID and registration timestamp are owned by the backend
		upstream.ID = id
		upstream.Registered = registered

		updated, err := serializeUpstream(upstream)
		if err != nil {
			return err
		}
		err = upstreamsBucket.Put(serializeUpstreamID(id), updated)
		if err != nil {
			return pool.NewUnexpectedError("unable to store upstream [%d] (%w)", id, err)
		}
		return nil
	})
}

func (b *boltBackend) Delete(id pool.UpstreamID) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		upstreamsBucket := getUpstreamsBucket(tx)
		err := upstreamsBucket.Delete(serializeUpstreamID(id))
		if err != nil {
			return pool.NewUnexpectedError("unable to delete upstream [%d] (%w)", id, err)
		}
		return nil
	})
}

func (b *boltBackend) Retrieve(id pool.UpstreamID) (*pool.Upstream, error) {
	var upstream *pool.Upstream
	err := b.db.View(func(tx *bolt.Tx) error {
		upstreamsBucket := getUpstreamsBucket(tx)

		value := upstreamsBucket.Get(serializeUpstreamID(id))
		if value == nil {
			return pool.NewUnknownUpstreamError(id)
		}

		var err error
		upstream, err = deserializeUpstream(value)
		return err
	})
	if err != nil {
		return nil, err
	}
	return upstream, nil
}

func (b *boltBackend) List() ([]*pool.Upstream, error) {
	var upstreams []*pool.Upstream
	err := b.db.View(func(tx *bolt.Tx) error {
		upstreamsBucket := getUpstreamsBucket(tx)
		return upstreamsBucket.ForEach(func(_ []byte, value []byte) error {
			upstream, err := deserializeUpstream(value)
			if err != nil {
				return err
			}
			upstreams = append(upstreams, upstream)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return upstreams, nil
}

func (b *boltBackend) Destroy() {
	err := b.db.Close()
	if err != nil {
		log.WithField("path", b.filePath).Warn("unable to cleanly close the pool database - ", err)
	}
}
