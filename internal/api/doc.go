// Package api hosts the operator HTTP listener that runs next to a crawl
// command. Notable routes:
//   - GET /healthz and /readyz for orchestrators; readyz pings the index and store.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/terms/{term}, /v1/pages/indexed?url= and /v1/persons/ranks for
//     read-only inspection of the index and the person page ranks.
package api
