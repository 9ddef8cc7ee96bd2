// Package server implements quickdrop's HTTP surface. Handlers translate
// requests into lifecycle operations (register, consume, status) and map
// the outcomes to status codes; they keep no state of their own beyond the
// per-client rate limit windows.
package server
