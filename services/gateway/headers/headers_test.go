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

package headers

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildRequestHeadersScrubsClientIdentity(t *testing.T) {
	builder := NewBuilder(DefaultOptions)

	src := http.Header{}
	src.Set("X-Forwarded-For", "203.0.113.7")
	src.Set("X-Real-Ip", "203.0.113.7")
	src.Set("Forwarded", "for=203.0.113.7")
	src.Set("Authorization", "Bearer gateway-token")
	src.Set("Cookie", "session=abc")
	src.Set("Accept-Language", "fr-FR")

	dst := http.Header{}
	builder.BuildRequestHeaders(dst, src)

	assert.Empty(t, dst.Get("X-Forwarded-For"))
	assert.Empty(t, dst.Get("X-Real-Ip"))
	assert.Empty(t, dst.Get("Forwarded"))
	assert.Empty(t, dst.Get("Authorization"))
	assert.Empty(t, dst.Get("Cookie"))
	assert.Equal(t, "fr-FR", dst.Get("Accept-Language"))
}

func TestBuildRequestHeadersDropsHopByHop(t *testing.T) {
	builder := NewBuilder(DefaultOptions)

	src := http.Header{}
	src.Set("Connection", "keep-alive, X-Custom-State")
	src.Set("Keep-Alive", "timeout=5")
	src.Set("X-Custom-State", "42")
	src.Set("Te", "trailers")
	src.Set("X-Request-Id", "abc-123")

	dst := http.Header{}
	builder.BuildRequestHeaders(dst, src)

	assert.Empty(t, dst.Get("Connection"))
	assert.Empty(t, dst.Get("Keep-Alive"))
	assert.Empty(t, dst.Get("Te"))
	// Nominated by the Connection header
	assert.Empty(t, dst.Get("X-Custom-State"))
	assert.Equal(t, "abc-123", dst.Get("X-Request-Id"))
}

func TestBuildRequestHeadersBaseline(t *testing.T) {
	builder := NewBuilder(DefaultOptions)

	dst := http.Header{}
	builder.BuildRequestHeaders(dst, http.Header{})
	assert.NotEmpty(t, dst.Get("User-Agent"))
	assert.Equal(t, "*/*", dst.Get("Accept"))

	// A client supplied user agent is kept
	src := http.Header{}
	src.Set("User-Agent", "custom-client/1.0")
	dst = http.Header{}
	builder.BuildRequestHeaders(dst, src)
	assert.Equal(t, "custom-client/1.0", dst.Get("User-Agent"))
}

func TestBuildRequestHeadersForceAgent(t *testing.T) {
	builder := NewBuilder(Options{ForceAgent: true, UserAgents: []string{"agent-a"}})

	src := http.Header{}
	src.Set("User-Agent", "custom-client/1.0")
	dst := http.Header{}
	builder.BuildRequestHeaders(dst, src)
	assert.Equal(t, "agent-a", dst.Get("User-Agent"))
}

func TestBuildRequestHeadersAcceptBaseline(t *testing.T) {
	builder := NewBuilder(DefaultOptions)

	dst := http.Header{}
	builder.BuildRequestHeaders(dst, http.Header{})
	assert.Equal(t, DefaultOptions.AcceptLanguage, dst.Get("Accept-Language"))
	assert.Equal(t, DefaultOptions.AcceptEncoding, dst.Get("Accept-Encoding"))

	// Client supplied values are kept
	src := http.Header{}
	src.Set("Accept-Encoding", "identity")
	dst = http.Header{}
	builder.BuildRequestHeaders(dst, src)
	assert.Equal(t, "identity", dst.Get("Accept-Encoding"))
	assert.Equal(t, DefaultOptions.AcceptLanguage, dst.Get("Accept-Language"))
}

func TestUserAgentRotation(t *testing.T) {
	builder := NewBuilder(Options{UserAgents: []string{"agent-a", "agent-b"}})

	seen := []string{}
	for i := 0; i < 4; i++ {
		dst := http.Header{}
		builder.BuildRequestHeaders(dst, http.Header{})
		seen = append(seen, dst.Get("User-Agent"))
	}
	assert.Equal(t, []string{"agent-a", "agent-b", "agent-a", "agent-b"}, seen)
}

func TestForwardCookiesOptIn(t *testing.T) {
	builder := NewBuilder(Options{ForwardCookies: true})

	src := http.Header{}
	src.Set("Cookie", "session=abc")
	dst := http.Header{}
	builder.BuildRequestHeaders(dst, src)
	assert.Equal(t, "session=abc", dst.Get("Cookie"))
}

func TestSanitizeResponseHeaders(t *testing.T) {
	builder := NewBuilder(DefaultOptions)

	src := http.Header{}
	src.Set("Content-Type", "text/html; charset=utf-8")
	src.Set("Transfer-Encoding", "chunked")
	src.Set("Connection", "close")
	src.Set("Set-Cookie", "session=abc")
	src.Set("Cache-Control", "public, max-age=3600")

	dst := http.Header{}
	builder.SanitizeResponseHeaders(dst, src)

	assert.Equal(t, "text/html; charset=utf-8", dst.Get("Content-Type"))
	assert.Empty(t, dst.Get("Transfer-Encoding"))
	assert.Empty(t, dst.Get("Connection"))
	assert.Empty(t, dst.Get("Set-Cookie"))
	assert.Equal(t, ResponseCacheControl, dst.Get("Cache-Control"))
}

func TestSanitizeResponseHeadersKeepsCookiesWhenOptedIn(t *testing.T) {
	builder := NewBuilder(Options{ForwardCookies: true})

	src := http.Header{}
	src.Set("Set-Cookie", "session=abc")
	dst := http.Header{}
	builder.SanitizeResponseHeaders(dst, src)
	assert.Equal(t, "session=abc", dst.Get("Set-Cookie"))
}
