// SPDX-FileCopyrightText: Copyright (C) 2026 The Polyglot Authors
// SPDX-License-Identifier: AGPL-3.0-only

//go:build !noprometheus
// +build !noprometheus

// Package instrument exports server metrics to prometheus.
package instrument

import (
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/op/go-logging.v1"
)

var (
	connections = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "polyglot_connections_total",
			Help: "Number of accepted connections",
		},
	)
	rateLimited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "polyglot_rate_limited_total",
			Help: "Number of connections refused by the per-IP rate limiter",
		},
	)
	handshakeFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "polyglot_handshake_failures_total",
			Help: "Number of failed session key exchanges",
		},
		[]string{"reason"},
	)
	requests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "polyglot_requests_total",
			Help: "Number of requests by outcome",
		},
		[]string{"outcome"},
	)
	frameErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "polyglot_frame_errors_total",
			Help: "Number of connections closed for framing or authentication errors",
		},
		[]string{"kind"},
	)
	sessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "polyglot_sessions",
			Help: "Number of live sessions",
		},
	)
	sessionsReaped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "polyglot_sessions_reaped_total",
			Help: "Number of sessions removed by the reaper after their deadline",
		},
	)
	backendSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "polyglot_backend_seconds",
			Help:    "Backend call latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend"},
	)
)

func init() {
	prometheus.MustRegister(connections)
	prometheus.MustRegister(rateLimited)
	prometheus.MustRegister(handshakeFailures)
	prometheus.MustRegister(requests)
	prometheus.MustRegister(frameErrors)
	prometheus.MustRegister(sessions)
	prometheus.MustRegister(sessionsReaped)
	prometheus.MustRegister(backendSeconds)
}

// StartPrometheusListener serves /metrics on address until the returned
// server is closed.
func StartPrometheusListener(address string, log *logging.Logger) (*http.Server, error) {
	l, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("Metrics listener failed: %v", err)
		}
	}()
	log.Noticef("Serving metrics on http://%v/metrics", l.Addr())
	return srv, nil
}

// Connection increments the counter for accepted connections.
func Connection() {
	connections.Inc()
}

// RateLimited increments the counter for refused connections.
func RateLimited() {
	rateLimited.Inc()
}

// HandshakeFailed increments the handshake failure counter.
func HandshakeFailed(reason string) {
	handshakeFailures.With(prometheus.Labels{"reason": reason}).Inc()
}

// Request increments the request counter for outcome.
func Request(outcome string) {
	requests.With(prometheus.Labels{"outcome": outcome}).Inc()
}

// FrameError increments the frame error counter for kind.
func FrameError(kind string) {
	frameErrors.With(prometheus.Labels{"kind": kind}).Inc()
}

// Sessions sets the live session gauge.
func Sessions(n int) {
	sessions.Set(float64(n))
}

// SessionsReaped adds n to the reaped session counter.
func SessionsReaped(n int) {
	sessionsReaped.Add(float64(n))
}

// BackendLatency observes a backend call duration.
func BackendLatency(backend string, d time.Duration) {
	backendSeconds.With(prometheus.Labels{"backend": backend}).Observe(d.Seconds())
}
