package server

import (
	"fmt"
	"net/http"
)

// handleUpload stores every file of a multipart form as is. Compressed
// logs stay compressed until they are decoded.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.uploadLimit())
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, fmt.Sprintf("parse multipart: %v", err), http.StatusBadRequest)
		return
	}
	var refs []ArtifactRef
	for _, files := range r.MultipartForm.File {
		for _, fh := range files {
			src, err := fh.Open()
			if err != nil {
				http.Error(w, fmt.Sprintf("open %s: %v", fh.Filename, err), http.StatusBadRequest)
				return
			}
			a, err := s.storeUpload(fh.Filename, src)
			src.Close()
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			refs = append(refs, a.Ref())
		}
	}
	if len(refs) == 0 {
		http.Error(w, "no files uploaded", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]ArtifactRef{"files": refs})
}
