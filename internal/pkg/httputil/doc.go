// Package httputil holds the JSON response helpers used by the worker's
// operational HTTP endpoints.
package httputil
