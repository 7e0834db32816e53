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

import (
	"errors"
	"fmt"
)

// ErrNoViableUpstream is returned by Select when no upstream can carry the
// request.
var ErrNoViableUpstream = errors.New("no viable upstream in the pool")

// UnknownUpstreamError is returned when an operation targets an upstream ID
// that is not in the pool.
type UnknownUpstreamError struct {
	ID UpstreamID
}

func (e *UnknownUpstreamError) Error() string {
	return fmt.Sprintf("unknown upstream ID [%d]", uint64(e.ID))
}

func NewUnknownUpstreamError(id UpstreamID) *UnknownUpstreamError {
	return &UnknownUpstreamError{ID: id}
}

// DuplicateUpstreamError is returned by Register when the URL is already in
// the pool.
type DuplicateUpstreamError struct {
	URL string
	ID  UpstreamID
}

func (e *DuplicateUpstreamError) Error() string {
	return fmt.Sprintf("upstream [%s] is already registered with ID [%d]", e.URL, uint64(e.ID))
}

func NewDuplicateUpstreamError(url string, id UpstreamID) *DuplicateUpstreamError {
	return &DuplicateUpstreamError{URL: url, ID: id}
}

// UnexpectedError wraps backend failures that the caller can't act on.
type UnexpectedError struct {
	err error
}

func (e *UnexpectedError) Error() string {
	return e.err.Error()
}

func (e *UnexpectedError) Unwrap() error {
	return e.err
}

func NewUnexpectedError(format string, a ...interface{}) error {
	return &UnexpectedError{err: fmt.Errorf(format, a...)}
}
