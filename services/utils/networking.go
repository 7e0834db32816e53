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

package utils

import (
	"context"
	"net"
	"time"

	"github.com/mwitkow/go-conntrack"
)

const listenerKeepAlivePeriod = 20 * time.Second

// NewInstrumentedListener wraps a TCP listener with connection tracking so
// that open/accepted/closed connection counts show up in the process metrics.
func NewInstrumentedListener(listener net.Listener, name string) net.Listener {
	return conntrack.NewListener(listener,
		conntrack.TrackWithName(name),
		conntrack.TrackWithTcpKeepAlive(listenerKeepAlivePeriod),
		conntrack.TrackWithTracing(),
	)
}

// DialContextFunc matches the DialContext field of http.Transport.
type DialContextFunc func(ctx context.Context, network string, addr string) (net.Conn, error)

// NewInstrumentedDialContext returns a DialContext function with connection
// tracking, suitable for use in an http.Transport.
func NewInstrumentedDialContext(name string) DialContextFunc {
	return conntrack.NewDialContextFunc(
		conntrack.DialWithName(name),
		conntrack.DialWithTracing(),
		conntrack.DialWithDialer(&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}),
	)
}
