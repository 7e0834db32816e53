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
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/relaygate/relaygate/services/gateway/policy"
)

func ginLoggerMiddleware(c *gin.Context) {
	method := c.Request.Method
	path := c.Request.URL.Path

	start := time.Now()
	c.Next()
	stop := time.Since(start)

	statusCode := c.Writer.Status()
	dataLength := c.Writer.Size()
	if dataLength < 0 {
		dataLength = 0
	}

	entry := log.WithFields(logrus.Fields{
		"statusCode": statusCode,
		"latency":    int(math.Ceil(float64(stop.Nanoseconds()) / 1000000.0)),
		"clientIP":   c.ClientIP(),
		"referer":    c.Request.Referer(),
		"dataLength": dataLength,
		"userAgent":  c.Request.UserAgent(),
	})

	if statusCode >= http.StatusInternalServerError {
		entry.Errorf("[%s] [%s] - 5XX internal error", method, path)
	} else if statusCode >= http.StatusBadRequest {
		entry.Warnf("[%s] [%s] - 4XX request error", method, path)
	} else {
		entry.Debugf("[%s] [%s]", method, path)
	}
}

func rateLimitMiddleware(limiter *policy.RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limiter == nil {
			return
		}
		if !limiter.Allow(c.ClientIP()) {
			abortWithError(c, http.StatusTooManyRequests, fmt.Errorf("fetch rate limit exceeded"))
		}
	}
}

const authorizationHeaderKey = "Authorization"
const bearerPrefix = "Bearer "

func adminAuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader(authorizationHeaderKey)
		if !strings.HasPrefix(header, bearerPrefix) {
			abortWithError(
				c,
				http.StatusUnauthorized,
				fmt.Errorf("Missing bearer token in header [%s]", authorizationHeaderKey),
			)
			return
		}

		claims, err := ParseAndVerifyToken(strings.TrimPrefix(header, bearerPrefix), secret)
		if err != nil {
			abortWithError(
				c,
				http.StatusUnauthorized,
				fmt.Errorf("Unable to validate token from header [%s] (%w)", authorizationHeaderKey, err),
			)
			return
		}

		if claims.Role != AdminRole {
			abortWithError(
				c,
				http.StatusForbidden,
				fmt.Errorf("Token role [%s] is not allowed to administer the gateway", claims.Role),
			)
			return
		}
	}
}
