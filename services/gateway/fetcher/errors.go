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

package fetcher

import "fmt"

// RouteDeniedError reports a target refused by a routing rule.
type RouteDeniedError struct {
	Host    string
	Pattern string
}

func (e *RouteDeniedError) Error() string {
	return fmt.Sprintf("fetching [%s] is denied by route rule [%s]", e.Host, e.Pattern)
}

func NewRouteDeniedError(host string, pattern string) *RouteDeniedError {
	return &RouteDeniedError{Host: host, Pattern: pattern}
}

// BodyTooLargeError reports a response body over the relay limit, either
// announced up front or discovered while streaming.
type BodyTooLargeError struct {
	Announced int64
	Limit     int64
}

func (e *BodyTooLargeError) Error() string {
	if e.Announced > 0 {
		return fmt.Sprintf("response body of [%d] bytes is over the relay limit of [%d] bytes", e.Announced, e.Limit)
	}
	return fmt.Sprintf("response body went over the relay limit of [%d] bytes", e.Limit)
}

func NewBodyTooLargeError(announced int64, limit int64) *BodyTooLargeError {
	return &BodyTooLargeError{Announced: announced, Limit: limit}
}
