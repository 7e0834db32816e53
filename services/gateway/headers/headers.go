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

// Package headers shapes what crosses the gateway in both directions.
// Hop by hop headers stay on their hop, client identity never reaches the
// target, and relayed responses are marked uncacheable.
package headers

import (
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/relaygate/relaygate/utils"
	"github.com/relaygate/relaygate/version"
)

// Hop by hop headers from RFC 7230 section 6.1, plus the non standard
// Proxy-Connection. Keys are in canonical form.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Headers naming the client or carrying its credentials, they never leave
// the gateway. Cookies are handled separately since relaying them can be
// opted into.
var clientIdentityHeaders = []string{
	"X-Forwarded-For",
	"X-Real-Ip",
	"Forwarded",
	"Via",
	"Authorization",
}

// ResponseCacheControl replaces whatever cache directives the target sent,
// relayed content must not be cached against the gateway origin.
const ResponseCacheControl = "no-store, max-age=0"

type Options struct {
	ForwardCookies bool
	// ForceAgent replaces the client user agent with one from the list on
	// every request instead of only filling it in when absent
	ForceAgent     bool
	UserAgents     []string
	AcceptLanguage string
	AcceptEncoding string
}

var DefaultOptions = Options{
	ForwardCookies: false,
	ForceAgent:     false,
	UserAgents:     nil,
	AcceptLanguage: "en-US,en;q=0.9",
	AcceptEncoding: "gzip, deflate",
}

// Builder rewrites headers for relayed requests and responses.
type Builder struct {
	forwardCookies bool
	forceAgent     bool
	userAgents     []string
	acceptLanguage string
	acceptEncoding string
	uaCounter      uint64
}

func NewBuilder(options Options) *Builder {
	userAgents := utils.CopyStrSlice(options.UserAgents)
	if len(userAgents) == 0 {
		userAgents = []string{"relaygate/" + version.Version}
	}
	return &Builder{
		forwardCookies: options.ForwardCookies,
		forceAgent:     options.ForceAgent,
		userAgents:     userAgents,
		acceptLanguage: options.AcceptLanguage,
		acceptEncoding: options.AcceptEncoding,
	}
}

// BuildRequestHeaders fills dst with the client headers fit to forward and
// completes them with the user agent and accept baseline of the profile.
func (b *Builder) BuildRequestHeaders(dst http.Header, src http.Header) {
	nominated := connectionNominated(src)

	for key, values := range src {
		if skipHeader(key, nominated) {
			continue
		}
		if key == "Cookie" && !b.forwardCookies {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}

	if b.forceAgent || dst.Get("User-Agent") == "" {
		dst.Set("User-Agent", b.nextUserAgent())
	}
	if dst.Get("Accept") == "" {
		dst.Set("Accept", "*/*")
	}
	if b.acceptLanguage != "" && dst.Get("Accept-Language") == "" {
		dst.Set("Accept-Language", b.acceptLanguage)
	}
	if b.acceptEncoding != "" && dst.Get("Accept-Encoding") == "" {
		dst.Set("Accept-Encoding", b.acceptEncoding)
	}
}

// SanitizeResponseHeaders fills dst with the target headers fit to relay.
func (b *Builder) SanitizeResponseHeaders(dst http.Header, src http.Header) {
	nominated := connectionNominated(src)

	for key, values := range src {
		if isHopByHop(key) || nominated[key] {
			continue
		}
		if key == "Set-Cookie" && !b.forwardCookies {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}

	dst.Set("Cache-Control", ResponseCacheControl)
}

func (b *Builder) nextUserAgent() string {
	next := atomic.AddUint64(&b.uaCounter, 1)
	return b.userAgents[int((next-1)%uint64(len(b.userAgents)))]
}

func skipHeader(key string, nominated map[string]bool) bool {
	if isHopByHop(key) || nominated[key] {
		return true
	}
	for _, identity := range clientIdentityHeaders {
		if key == identity {
			return true
		}
	}
	return false
}

func isHopByHop(key string) bool {
	for _, hopByHop := range hopByHopHeaders {
		if key == hopByHop {
			return true
		}
	}
	return false
}

// connectionNominated lists the extra hop by hop headers nominated by the
// Connection header itself.
func connectionNominated(h http.Header) map[string]bool {
	nominated := map[string]bool{}
	for _, value := range h.Values("Connection") {
		for _, token := range strings.Split(value, ",") {
			token = strings.TrimSpace(token)
			if token != "" {
				nominated[http.CanonicalHeaderKey(token)] = true
			}
		}
	}
	return nominated
}
