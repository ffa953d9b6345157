/*
 * Copyright 2025 SREDiag Authors
 * Copyright 2023 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package health exposes liveness and readiness of a forkipc run over HTTP.
package health

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ErrNotReady is reported while the channel is not open.
var ErrNotReady = errors.New("health: channel not open")

// Target is what the checks look at. pkg/fork.Coordinator and an ipc.Channel
// together satisfy it through Funcs.
type Target interface {
	// LastError is nil while nothing has failed.
	LastError() error
	// Ready reports whether the channel is open.
	Ready() bool
}

// Funcs adapts two funcs into a Target.
type Funcs struct {
	LastErrorFunc func() error
	ReadyFunc     func() bool
}

func (p Funcs) LastError() error {
	if p.LastErrorFunc == nil {
		return nil
	}
	return p.LastErrorFunc()
}

func (p Funcs) Ready() bool {
	return p.ReadyFunc != nil && p.ReadyFunc()
}

// NewHandler returns a healthcheck handler serving /live and /ready for t.
func NewHandler(t Target) healthcheck.Handler {
	h := healthcheck.NewHandler()
	h.AddLivenessCheck("coordinator", func() error {
		if err := t.LastError(); err != nil {
			return fmt.Errorf("coordinator failed: %w", err)
		}
		return nil
	})
	h.AddReadinessCheck("channel", func() error {
		if !t.Ready() {
			return ErrNotReady
		}
		return nil
	})
	return h
}

// NewMux mounts the checks of t and the metrics of reg on one mux.
func NewMux(t Target, reg *prometheus.Registry) *http.ServeMux {
	h := NewHandler(t)
	mux := http.NewServeMux()
	mux.HandleFunc("/live", h.LiveEndpoint)
	mux.HandleFunc("/ready", h.ReadyEndpoint)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	return mux
}
