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

package pool

// Backend is the storage layer of the pool registry.
//
// Implementations must be safe for concurrent use. Records returned by
// Retrieve and List are detached copies, mutations go through Update.
type Backend interface {
	// Insert stores a new upstream, assigning its ID and registration
	// timestamp on the way in.
	Insert(upstream *Upstream) error

	// Update applies mutate to the stored record under the backend lock.
	// When mutate returns an error nothing is written and the error is
	// returned as is.
	Update(id UpstreamID, mutate func(*Upstream) error) error

	// Delete removes an upstream, it is not an error to delete an unknown ID.
	Delete(id UpstreamID) error

	// Retrieve returns a copy of one upstream or an UnknownUpstreamError.
	Retrieve(id UpstreamID) (*Upstream, error)

	// List returns copies of every stored upstream in unspecified order.
	List() ([]*Upstream, error)

	// Destroy releases the resources held by the backend.
	Destroy()
}
