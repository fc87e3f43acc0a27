// Package api hosts the HTTP server, middleware, and REST handlers. Notable routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - /v1/scans for follower scans, their results and cancellation.
//   - /v1/session for the captured X.com browser session.
//   - /v1/reports for AI reports, /v1/billing for Stripe checkout and portal.
//   - POST /webhooks/stripe for subscription events.
//
// Every /v1 route requires a Firebase ID token as a bearer token.
package api
