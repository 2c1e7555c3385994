// Package adapter connects a realtime context to the outside world: health
// endpoints, the admin HTTP listener, OpenTelemetry and an audit log.
package adapter

import (
	"github.com/heptiolabs/healthcheck"

	"github.com/srediag/rtcore/internal/health"
	"github.com/srediag/rtcore/pkg/rtapi"
)

// NewHealthHandler returns /live and /ready handlers for c. Check results
// are also exported as gauges on the context registry.
func NewHealthHandler(c *rtapi.Context) healthcheck.Handler {
	h := healthcheck.NewMetricsHandler(c.Registry(), "rtcore")
	health.Register(h, c.Scheduler, c)
	return h
}
