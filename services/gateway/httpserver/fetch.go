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

package httpserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/relaygate/relaygate/services/gateway/fetcher"
	"github.com/relaygate/relaygate/services/gateway/policy"
	"github.com/relaygate/relaygate/services/pool"
)

const (
	// StrategyHeaderKey carries the routing strategy that served the fetch.
	StrategyHeaderKey = "X-Relaygate-Strategy"
	// UpstreamHeaderKey carries the identifier of the upstream that served
	// the fetch, it is absent for direct fetches.
	UpstreamHeaderKey = "X-Relaygate-Upstream"
	// AttemptsHeaderKey carries the number of fetch attempts, above 1 the
	// gateway failed over between upstreams.
	AttemptsHeaderKey = "X-Relaygate-Attempts"
)

func (server *Server) fetch(c *gin.Context) {
	rawTarget := c.Query("url")
	if rawTarget == "" {
		abortWithError(c, http.StatusBadRequest, fmt.Errorf("missing required query parameter [url]"))
		return
	}

	target, err := policy.NormalizeTargetURL(rawTarget)
	if err != nil {
		abortWithError(c, http.StatusBadRequest, err)
		return
	}

	result, err := server.fetcher.Fetch(c.Request.Context(), fetcher.Request{
		Target: target,
		Method: c.Request.Method,
		Region: c.Query("region"),
		Header: c.Request.Header,
	})
	if err != nil {
		abortWithError(c, fetchErrorStatus(err), err)
		return
	}
	defer result.Body.Close()

	header := c.Writer.Header()
	for key, values := range result.Header {
		for _, value := range values {
			header.Add(key, value)
		}
	}
	header.Set(StrategyHeaderKey, result.Strategy.String())
	header.Set(AttemptsHeaderKey, fmt.Sprintf("%d", result.Attempts))
	if result.Upstream != nil {
		header.Set(UpstreamHeaderKey, formatUpstreamID(result.Upstream.ID))
	}

	c.Status(result.StatusCode)
	if c.Request.Method == http.MethodHead {
		return
	}

	if _, err := io.Copy(c.Writer, result.Body); err != nil {
		// The status line is already on the wire at this point, the relay can
		// only be cut short.
		log.WithField("target", target.String()).Debugf("Fetch body relay interrupted (%s)", err)
	}
}

// fetchErrorStatus maps a fetch error to the status code returned to the
// client, policy refusals map to 403 and upstream failures to 502.
func fetchErrorStatus(err error) int {
	var routeDeniedErr *fetcher.RouteDeniedError
	var deniedDomainErr *policy.DeniedDomainError
	var notAllowedDomainErr *policy.NotAllowedDomainError
	var deniedPortErr *policy.DeniedPortError
	var privateTargetErr *policy.PrivateTargetError
	var schemeErr *policy.SchemeError

	switch {
	case errors.As(err, &routeDeniedErr),
		errors.As(err, &deniedDomainErr),
		errors.As(err, &notAllowedDomainErr),
		errors.As(err, &deniedPortErr),
		errors.As(err, &privateTargetErr):
		return http.StatusForbidden
	case errors.As(err, &schemeErr):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, pool.ErrNoViableUpstream):
		return http.StatusBadGateway
	default:
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	}
}
