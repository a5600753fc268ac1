// Package api hosts the HTTP server, middleware, and REST handlers for the
// student search service. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/students?school_code=&student_name= for a portal lookup.
//     200 carries {"students":[...]}, 400 a blank parameter, 404 no matching
//     student, 502 any other portal failure.
package api
