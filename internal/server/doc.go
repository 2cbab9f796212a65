// Package server exposes the streaming hub over HTTP.
//
// A single multiplexer serves the streaming endpoints alongside health, stats
// and Prometheus routes. Every request passes through the same chain of
// request ids, logging, metrics, security headers and CORS; new streaming
// connections are additionally admission-checked by the rate limiter.
package server
