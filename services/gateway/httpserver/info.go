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
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/relaygate/relaygate/version"
)

type response struct {
	Message string `json:"message" description:"Human-readable response description"`
}

type infoResponse struct {
	response
	Version     string `json:"version" description:"Relaygate version"`
	VersionHash string `json:"version_hash"`
}

func (server *Server) getInfo(*gin.Context) (infoResponse, error) {
	return infoResponse{
		response: response{
			Message: "This is the Relaygate gateway",
		},
		Version:     version.Version,
		VersionHash: version.Hash,
	}, nil
}

type healthResponse struct {
	response
	Upstreams int      `json:"upstreams" description:"Number of registered upstreams"`
	Healthy   int      `json:"healthy" description:"Number of upstreams able to carry traffic"`
	Regions   []string `json:"regions" description:"Regions currently represented in the pool"`
}

func (server *Server) getHealth(*gin.Context) (*healthResponse, error) {
	upstreamCount, healthyCount, err := server.upstreams.Counts()
	if err != nil {
		return nil, wrapError(http.StatusInternalServerError, err)
	}

	regions, err := server.upstreams.Regions()
	if err != nil {
		return nil, wrapError(http.StatusInternalServerError, err)
	}

	return &healthResponse{
		response: response{
			Message: "ok",
		},
		Upstreams: upstreamCount,
		Healthy:   healthyCount,
		Regions:   regions,
	}, nil
}
