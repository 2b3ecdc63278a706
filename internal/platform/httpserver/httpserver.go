// Package httpserver centralizes http.Server construction so every entry
// point gets the same timeout posture.
package httpserver

import (
	"net/http"
	"time"
)

// New returns a server for the given handler. ReadHeaderTimeout bounds
// slow-header clients; caregiver devices on poor networks still get
// unbounded body reads for large sync batches.
func New(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
