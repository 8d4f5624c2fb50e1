// Package httpmw provides the middleware stack of the ops server.
//
// Order on the router: request ID, logger injection, panic recovery,
// metrics, access log, then route annotation closest to the handler.
// Query strings and headers are never logged.
package httpmw
