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

package policy

import (
	"fmt"
	"net"
)

// SchemeError reports a target URL scheme outside of http and https.
type SchemeError struct {
	Scheme string
}

func (e *SchemeError) Error() string {
	return fmt.Sprintf("unsupported target scheme [%s]", e.Scheme)
}

func NewSchemeError(scheme string) *SchemeError {
	return &SchemeError{Scheme: scheme}
}

// DeniedPortError reports a target port outside of the allow list.
type DeniedPortError struct {
	Port uint
}

func (e *DeniedPortError) Error() string {
	return fmt.Sprintf("target port [%d] is not allowed", e.Port)
}

func NewDeniedPortError(port uint) *DeniedPortError {
	return &DeniedPortError{Port: port}
}

// DeniedDomainError reports a target host matching the deny list.
type DeniedDomainError struct {
	Host    string
	Pattern string
}

func (e *DeniedDomainError) Error() string {
	return fmt.Sprintf("target host [%s] is denied by pattern [%s]", e.Host, e.Pattern)
}

func NewDeniedDomainError(host string, pattern string) *DeniedDomainError {
	return &DeniedDomainError{Host: host, Pattern: pattern}
}

// NotAllowedDomainError reports a target host outside of a configured
// domain allow list.
type NotAllowedDomainError struct {
	Host string
}

func (e *NotAllowedDomainError) Error() string {
	return fmt.Sprintf("target host [%s] is not in the domain allow list", e.Host)
}

func NewNotAllowedDomainError(host string) *NotAllowedDomainError {
	return &NotAllowedDomainError{Host: host}
}

// PrivateTargetError reports a target resolving only to non-public addresses.
type PrivateTargetError struct {
	Host string
	IP   net.IP
}

func (e *PrivateTargetError) Error() string {
	if e.IP == nil {
		return fmt.Sprintf("target host [%s] does not resolve to a public address", e.Host)
	}
	return fmt.Sprintf("target host [%s] resolves to the non public address [%s]", e.Host, e.IP)
}

func NewPrivateTargetError(host string, ip net.IP) *PrivateTargetError {
	return &PrivateTargetError{Host: host, IP: ip}
}
