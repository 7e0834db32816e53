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

// Package policy guards what the gateway is allowed to fetch. Targets are
// restricted to public http and https endpoints on a small set of ports,
// with operator deny and allow lists on top.
package policy

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	servicesUtils "github.com/relaygate/relaygate/services/utils"
	"github.com/relaygate/relaygate/utils"
)

type Options struct {
	AllowedPorts []uint
	// AllowedDomains, when non empty, restricts targets to the listed
	// domain suffixes. The deny list wins over it.
	AllowedDomains      []string
	DeniedDomains       []string
	AllowPrivateTargets bool
}

var DefaultOptions = Options{
	AllowedPorts:        []uint{80, 443, 8080, 8443},
	AllowedDomains:      nil,
	DeniedDomains:       nil,
	AllowPrivateTargets: false,
}

// Resolver is the subset of net.Resolver the checker relies on.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

type Checker struct {
	allowedPorts        map[uint]bool
	allowedDomains      []string
	deniedDomains       []string
	allowPrivateTargets bool
	resolver            Resolver
}

func NewChecker(options Options) *Checker {
	allowedPorts := make(map[uint]bool, len(options.AllowedPorts))
	for _, port := range options.AllowedPorts {
		allowedPorts[port] = true
	}

	return &Checker{
		allowedPorts:        allowedPorts,
		allowedDomains:      normalizeDomainPatterns(options.AllowedDomains),
		deniedDomains:       normalizeDomainPatterns(options.DeniedDomains),
		allowPrivateTargets: options.AllowPrivateTargets,
		resolver:            net.DefaultResolver,
	}
}

func normalizeDomainPatterns(patterns []string) []string {
	normalized := make([]string, 0, len(patterns))
	for _, pattern := range patterns {
		normalized = append(normalized, utils.NormalizeHost(pattern))
	}
	return normalized
}

// checkDomain applies the deny list then the optional allow list, the deny
// list wins.
func (c *Checker) checkDomain(host string) error {
	for _, pattern := range c.deniedDomains {
		if utils.MatchDomainPattern(host, pattern) {
			return NewDeniedDomainError(host, pattern)
		}
	}

	if len(c.allowedDomains) == 0 {
		return nil
	}
	for _, pattern := range c.allowedDomains {
		if utils.MatchDomainPattern(host, pattern) {
			return nil
		}
	}
	return NewNotAllowedDomainError(host)
}

// NormalizeTargetURL parses a raw fetch target, URLs without a scheme
// default to https.
func NormalizeTargetURL(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("empty target URL")
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}

	target, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid target URL: %w", err)
	}
	if target.Hostname() == "" {
		return nil, fmt.Errorf("target URL has no host")
	}
	return target, nil
}

// TargetPort returns the effective port of a target URL.
func TargetPort(target *url.URL) (uint, error) {
	if portString := target.Port(); portString != "" {
		port, err := strconv.ParseUint(portString, 10, 16)
		if err != nil {
			return 0, fmt.Errorf("invalid target port [%s]", portString)
		}
		return uint(port), nil
	}

	switch target.Scheme {
	case "http":
		return 80, nil
	case "https":
		return 443, nil
	}
	return 0, NewSchemeError(target.Scheme)
}

// CheckTarget applies the static policy to a target URL. Hosts given as IP
// literals are checked in place, DNS resolution is left to ResolveTarget.
func (c *Checker) CheckTarget(target *url.URL) error {
	if target.Scheme != "http" && target.Scheme != "https" {
		return NewSchemeError(target.Scheme)
	}

	port, err := TargetPort(target)
	if err != nil {
		return err
	}
	if !c.allowedPorts[port] {
		return NewDeniedPortError(port)
	}

	host := utils.NormalizeHost(target.Hostname())
	if err := c.checkDomain(host); err != nil {
		return err
	}

	if ip := net.ParseIP(host); ip != nil && !c.allowPrivateTargets && !isPublicIP(ip) {
		return NewPrivateTargetError(host, ip)
	}

	return nil
}

// ResolvedTarget is a target host pinned to one policy approved address.
type ResolvedTarget struct {
	Host string
	Port uint
	IP   net.IP
}

// DialAddress is the address to dial. Resolution happened under the policy,
// dialing anything else would reopen the door to DNS rebinding.
func (t *ResolvedTarget) DialAddress() string {
	return net.JoinHostPort(t.IP.String(), strconv.FormatUint(uint64(t.Port), 10))
}

// ResolveTarget applies the static policy then resolves the host, keeping
// the first address the policy accepts.
func (c *Checker) ResolveTarget(ctx context.Context, target *url.URL) (*ResolvedTarget, error) {
	if err := c.CheckTarget(target); err != nil {
		return nil, err
	}

	host := utils.NormalizeHost(target.Hostname())
	port, err := TargetPort(target)
	if err != nil {
		return nil, err
	}

	if ip := net.ParseIP(host); ip != nil {
		return &ResolvedTarget{Host: host, Port: port, IP: ip}, nil
	}

	addrs, err := c.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("unable to resolve target host [%s]: %w", host, err)
	}

	var rejected net.IP
	for _, addr := range addrs {
		if c.allowPrivateTargets || isPublicIP(addr.IP) {
			return &ResolvedTarget{Host: host, Port: port, IP: addr.IP}, nil
		}
		rejected = addr.IP
	}
	return nil, NewPrivateTargetError(host, rejected)
}

// SafeDialContext wraps a dial function so that every connection, redirect
// hops included, is re-checked and dialed on a policy approved address.
func (c *Checker) SafeDialContext(base servicesUtils.DialContextFunc) servicesUtils.DialContextFunc {
	return func(ctx context.Context, network string, address string) (net.Conn, error) {
		host, portString, err := net.SplitHostPort(address)
		if err != nil {
			return nil, err
		}
		port, err := strconv.ParseUint(portString, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid port in address [%s]", address)
		}

		if !c.allowedPorts[uint(port)] {
			return nil, NewDeniedPortError(uint(port))
		}

		host = utils.NormalizeHost(host)
		if err := c.checkDomain(host); err != nil {
			return nil, err
		}

		ip := net.ParseIP(host)
		if ip == nil {
			addrs, err := c.resolver.LookupIPAddr(ctx, host)
			if err != nil {
				return nil, err
			}
			for _, addr := range addrs {
				if c.allowPrivateTargets || isPublicIP(addr.IP) {
					ip = addr.IP
					break
				}
			}
			if ip == nil {
				return nil, NewPrivateTargetError(host, nil)
			}
		} else if !c.allowPrivateTargets && !isPublicIP(ip) {
			return nil, NewPrivateTargetError(host, ip)
		}

		return base(ctx, network, net.JoinHostPort(ip.String(), portString))
	}
}

// isPublicIP rejects every address class that would let a fetch reach into
// the gateway network.
func isPublicIP(ip net.IP) bool {
	if ip == nil {
		return false
	}
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() {
		return false
	}
	if ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsMulticast() {
		return false
	}
	return true
}
