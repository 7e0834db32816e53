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

import "strings"

// NormalizeHost lowercases a host name and strips any trailing dot so that
// "Example.COM." and "example.com" compare equal.
func NormalizeHost(host string) string {
	return strings.TrimSuffix(strings.ToLower(host), ".")
}

// MatchDomainPattern reports whether host matches a domain pattern.
//
// The pattern "*" matches every host. Any other pattern matches the domain
// itself and all of its subdomains, e.g. "example.com" matches "example.com"
// and "api.example.com" but not "notexample.com".
func MatchDomainPattern(host string, pattern string) bool {
	if pattern == "*" {
		return true
	}

	host = NormalizeHost(host)
	pattern = NormalizeHost(pattern)
	if host == pattern {
		return true
	}

	return strings.HasSuffix(host, "."+pattern)
}

// BestDomainMatch returns the most specific (longest) pattern matching host.
// The second return value is false when no pattern matches.
func BestDomainMatch(host string, patterns []string) (string, bool) {
	best := ""
	found := false
	for _, pattern := range patterns {
		if !MatchDomainPattern(host, pattern) {
			continue
		}
		// "*" is the least specific match
		if pattern == "*" && found {
			continue
		}
		if !found || pattern == best || longerPattern(pattern, best) {
			best = pattern
			found = true
		}
	}
	return best, found
}

func longerPattern(candidate string, current string) bool {
	if current == "*" {
		return true
	}
	return len(candidate) > len(current)
}
