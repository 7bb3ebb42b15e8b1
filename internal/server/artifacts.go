package server

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"example.com/bblog/internal/common"
)

// Artifact is a file the daemon stored or produced: an uploaded log, an
// export, a report, a fixed copy, a manifest.
type Artifact struct {
	ID          string
	Path        string
	Name        string
	ContentType string
	Size        int64
	Kind        string
	Sha256      string
	Created     time.Time
}

// ArtifactRef is what API responses expose of an Artifact.
type ArtifactRef struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ContentType string `json:"contentType,omitempty"`
	Size        int64  `json:"size,omitempty"`
	Kind        string `json:"kind,omitempty"`
	Sha256      string `json:"sha256,omitempty"`
}

func (a Artifact) Ref() ArtifactRef {
	return ArtifactRef{
		ID:          a.ID,
		Name:        a.Name,
		ContentType: a.ContentType,
		Size:        a.Size,
		Kind:        a.Kind,
		Sha256:      a.Sha256,
	}
}

type artifactStore struct {
	mu      sync.RWMutex
	entries map[string]Artifact
}

func newArtifactStore() *artifactStore {
	return &artifactStore{entries: make(map[string]Artifact)}
}

func (st *artifactStore) put(a Artifact) {
	st.mu.Lock()
	st.entries[a.ID] = a
	st.mu.Unlock()
}

func (st *artifactStore) get(id string) (Artifact, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	a, ok := st.entries[id]
	return a, ok
}

func (st *artifactStore) len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.entries)
}

// list returns refs oldest first; ties break on ID.
func (st *artifactStore) list() []ArtifactRef {
	st.mu.RLock()
	arts := make([]Artifact, 0, len(st.entries))
	for _, a := range st.entries {
		arts = append(arts, a)
	}
	st.mu.RUnlock()
	sort.Slice(arts, func(i, j int) bool {
		if !arts[i].Created.Equal(arts[j].Created) {
			return arts[i].Created.Before(arts[j].Created)
		}
		return arts[i].ID < arts[j].ID
	})
	refs := make([]ArtifactRef, len(arts))
	for i, a := range arts {
		refs[i] = a.Ref()
	}
	return refs
}

// register hashes the file at path and records it.
func (s *Server) register(path, name, contentType, kind string) (Artifact, error) {
	if path == "" {
		return Artifact{}, errors.New("empty path")
	}
	sum, size, err := common.Sha256OfFile(path)
	if err != nil {
		return Artifact{}, err
	}
	if name == "" {
		name = filepath.Base(path)
	}
	if contentType == "" {
		contentType = contentTypeFor(name)
	}
	a := Artifact{
		ID:          uuid.NewString(),
		Path:        path,
		Name:        name,
		ContentType: contentType,
		Size:        size,
		Kind:        kind,
		Sha256:      sum,
		Created:     time.Now().UTC(),
	}
	s.artifacts.put(a)
	return a, nil
}

// storeUpload copies src into the uploads directory under a generated name
// that keeps the original extension, then registers it.
func (s *Server) storeUpload(name string, src io.Reader) (Artifact, error) {
	ext := filepath.Ext(name)
	if ext == "" {
		ext = ".bbl"
	}
	if name == "" {
		name = "input" + ext
	}
	f, err := os.CreateTemp(s.uploadsDir, "upload-*"+ext)
	if err != nil {
		return Artifact{}, err
	}
	_, err = io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(f.Name())
		return Artifact{}, fmt.Errorf("store %s: %w", name, err)
	}
	return s.register(f.Name(), name, contentTypeFor(name), "upload")
}

func (s *Server) tempPath(pattern string) (string, error) {
	f, err := os.CreateTemp(s.workDir, pattern)
	if err != nil {
		return "", err
	}
	name := f.Name()
	f.Close()
	return name, nil
}

// resolvePath maps an artifact ID or a path readable by the daemon to a
// file on disk.
func (s *Server) resolvePath(token string) (string, error) {
	if token == "" {
		return "", errors.New("empty input path")
	}
	if a, ok := s.artifacts.get(token); ok {
		return a.Path, nil
	}
	p := filepath.Clean(token)
	if _, err := os.Stat(p); err != nil {
		return "", err
	}
	return p, nil
}

// contentTypeFor guesses from the file name. Compressed logs and anything
// unknown are served as octet streams.
func contentTypeFor(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json":
		return "application/json"
	case ".ndjson", ".jsonl":
		return "application/x-ndjson"
	case ".csv":
		return "text/csv"
	case ".pdf":
		return "application/pdf"
	case ".jws":
		return "application/jose+json"
	}
	return "application/octet-stream"
}
