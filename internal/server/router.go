package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter wires HTTP routes to the server's handlers. Requests with the
// wrong method get 405 from the mux.
func NewRouter(s *Server) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /decode", s.handleDecode)
	mux.HandleFunc("POST /validate", s.handleValidate)
	mux.HandleFunc("POST /manifest", s.handleManifest)
	mux.HandleFunc("POST /upload", s.handleUpload)
	mux.HandleFunc("GET /artifacts", s.handleArtifacts)
	mux.HandleFunc("GET /artifacts/{id}", s.handleArtifactDownload)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	return mux
}
