// Package httputil provides shared HTTP response/request utilities for handlers.
//
// Handlers use these helpers instead of writing raw http.ResponseWriter
// calls, so error envelopes and status mapping are the same on every
// endpoint.
package httputil
