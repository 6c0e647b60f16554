// prometheus.go - hopkey node metrics.
// Copyright (C) 2026  The hopkey Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package instrument holds the prometheus metrics of a node.
package instrument

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hopkey/hopkey/core/log"
)

// Link labels.
const (
	LinkInbound  = "inbound"
	LinkOutbound = "outbound"
)

var (
	incomingConns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hopkey_incoming_total_connections",
			Help: "Number of accepted connections",
		},
		[]string{"channel"},
	)
	chunksReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hopkey_chunks_received_total",
			Help: "Number of chunks received and decrypted",
		},
	)
	chunksSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hopkey_chunks_sent_total",
			Help: "Number of chunks encrypted and written to the next hop",
		},
	)
	chunksDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hopkey_chunks_dropped_total",
			Help: "Number of chunks dropped",
		},
		[]string{"reason"},
	)
	deliveries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hopkey_deliveries_total",
			Help: "Number of streams delivered to the consumer",
		},
	)
	rotations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hopkey_rotations_total",
			Help: "Number of installed key rotations",
		},
		[]string{"link"},
	)
	rotationsRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hopkey_rotations_rejected_total",
			Help: "Number of rejected key rotations",
		},
		[]string{"link"},
	)
	currentKeyID = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hopkey_current_key_id",
			Help: "Current key id of a link",
		},
		[]string{"link"},
	)
)

func init() {
	prometheus.MustRegister(incomingConns)
	prometheus.MustRegister(chunksReceived)
	prometheus.MustRegister(chunksSent)
	prometheus.MustRegister(chunksDropped)
	prometheus.MustRegister(deliveries)
	prometheus.MustRegister(rotations)
	prometheus.MustRegister(rotationsRejected)
	prometheus.MustRegister(currentKeyID)
}

// Incoming increments the counter for accepted connections.
func Incoming(channel string) {
	incomingConns.With(prometheus.Labels{"channel": channel}).Inc()
}

// ChunkReceived increments the counter for decrypted chunks.
func ChunkReceived() {
	chunksReceived.Inc()
}

// ChunkSent increments the counter for chunks written to the next hop.
func ChunkSent() {
	chunksSent.Inc()
}

// ChunkDropped increments the counter for dropped chunks.
func ChunkDropped(reason string) {
	chunksDropped.With(prometheus.Labels{"reason": reason}).Inc()
}

// Delivered increments the counter for delivered streams.
func Delivered() {
	deliveries.Inc()
}

// Rotated records an installed key.
func Rotated(link string, id uint32) {
	rotations.With(prometheus.Labels{"link": link}).Inc()
	currentKeyID.With(prometheus.Labels{"link": link}).Set(float64(id))
}

// RotationRejected increments the counter for rejected rotations.
func RotationRejected(link string) {
	rotationsRejected.With(prometheus.Labels{"link": link}).Inc()
}

// Server serves the metrics endpoint.
type Server struct {
	srv *http.Server
}

// Shutdown stops the metrics endpoint.
func (s *Server) Shutdown() {
	s.srv.Close()
}

// StartPrometheusListener exposes the registered metrics via HTTP on addr.
func StartPrometheusListener(addr string, logBackend *log.Backend) *Server {
	log := logBackend.GetLogger("instrument")

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          logBackend.GetGoLogger("instrument:http", "warning"),
	}
	go func() {
		log.Noticef("Serving metrics on: %v", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("Metrics listener failed: %v", err)
		}
	}()
	return &Server{srv: srv}
}
