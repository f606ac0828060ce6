// Package api hosts the optional ops listener. Routes:
//   - GET /healthz for liveness.
//   - GET /readyz reports whether the engine still accepts searches.
//   - GET /metrics for Prometheus scraping.
//
// Searches are not exposed over HTTP.
package api
