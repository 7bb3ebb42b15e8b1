package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"example.com/bblog/internal/bbl"
	"example.com/bblog/internal/common"
	"example.com/bblog/internal/export"
	"example.com/bblog/internal/manifest"
	"example.com/bblog/internal/report"
	"example.com/bblog/internal/rules"
	"example.com/bblog/internal/source"
)

// Server coordinates HTTP handlers and manages temporary artifacts produced by
// decode and validation requests.
type Server struct {
	opts       Options
	artifacts  *artifactStore
	workDir    string
	uploadsDir string
	rulePack   rules.RulePack

	registry  *prometheus.Registry
	collector *common.DecodeCollector
}

// NewServer constructs a Server rooted at a temporary workspace directory.
func NewServer(opts Options) (*Server, error) {
	storageDir := opts.StorageDir
	if storageDir == "" {
		storageDir = os.TempDir()
	}
	if err := os.MkdirAll(storageDir, 0o755); err != nil {
		return nil, err
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = runtime.NumCPU()
	}
	rp, err := loadRulePack(opts.RulePack)
	if err != nil {
		return nil, err
	}
	workDir, err := os.MkdirTemp(storageDir, "bbld-")
	if err != nil {
		return nil, err
	}
	uploadsDir := filepath.Join(workDir, "uploads")
	if err := os.MkdirAll(uploadsDir, 0o755); err != nil {
		os.RemoveAll(workDir)
		return nil, err
	}
	reg := prometheus.NewRegistry()
	collector := common.NewDecodeCollector("bblog")
	if err := collector.Register(reg); err != nil {
		os.RemoveAll(workDir)
		return nil, err
	}
	s := &Server{
		opts:       opts,
		artifacts:  newArtifactStore(),
		workDir:    workDir,
		uploadsDir: uploadsDir,
		rulePack:   rp,
		registry:   reg,
		collector:  collector,
	}
	return s, nil
}

// Close removes any temporary state associated with the server.
func (s *Server) Close() error {
	if s == nil || s.workDir == "" {
		return nil
	}
	return os.RemoveAll(s.workDir)
}

// readInput takes the log from the first multipart file or the raw body.
// Compressed bodies are inflated.
func (s *Server) readInput(w http.ResponseWriter, r *http.Request) (string, []byte, error) {
	limit := s.opts.uploadLimit()
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	ct := r.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "multipart/") {
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			return "", nil, fmt.Errorf("parse multipart: %w", err)
		}
		for _, files := range r.MultipartForm.File {
			for _, fh := range files {
				src, err := fh.Open()
				if err != nil {
					return "", nil, err
				}
				defer src.Close()
				data, _, err := source.ReadAll(src, limit)
				return fh.Filename, data, err
			}
		}
		return "", nil, errors.New("no files provided")
	}
	data, _, err := source.ReadAll(r.Body, limit)
	if err != nil {
		return "", nil, err
	}
	if len(data) == 0 {
		return "", nil, errors.New("empty body")
	}
	return r.URL.Query().Get("name"), data, nil
}

func (s *Server) decode(r *http.Request, data []byte) (*bbl.Log, error) {
	opts := append(s.opts.decodeOptions(), bbl.WithCollector(s.collector))
	return bbl.DecodeContext(r.Context(), data, opts...)
}

func decodeStatus(err error) int {
	if bbl.IsFatal(err) {
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

// handleDecode decodes the posted log. With stream=true every flight is
// streamed as NDJSON rows; otherwise a summary is returned and the input
// plus any requested exports are kept as artifacts.
func (s *Server) handleDecode(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var formats []export.Format
	for _, v := range q["export"] {
		for _, part := range strings.Split(v, ",") {
			f, err := export.ParseFormat(part)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			formats = append(formats, f)
		}
	}
	exportOpts := export.Options{Physical: q.Get("physical") == "true"}

	name, data, err := s.readInput(w, r)
	if err != nil {
		http.Error(w, fmt.Sprintf("read input: %v", err), http.StatusBadRequest)
		return
	}
	started := time.Now()
	log, err := s.decode(r, data)
	if err != nil {
		common.WithFields(logrus.Fields{"input": name, "bytes": len(data)}).Warnf("decode failed: %v", err)
		http.Error(w, fmt.Sprintf("decode: %v", err), decodeStatus(err))
		return
	}
	common.WithFields(logrus.Fields{
		"input":   name,
		"bytes":   len(data),
		"flights": len(log.Flights),
		"elapsed": time.Since(started).String(),
	}).Info("decoded")

	if q.Get("stream") == "true" {
		s.streamRows(w, log, exportOpts)
		return
	}

	input, err := s.storeUpload(name, bytes.NewReader(data))
	if err != nil {
		http.Error(w, fmt.Sprintf("store input: %v", err), http.StatusInternalServerError)
		return
	}
	refs := []ArtifactRef{input.Ref()}
	for _, format := range formats {
		for _, f := range log.Flights {
			art, err := s.writeExport(input.Name, f, format, exportOpts)
			if err != nil {
				http.Error(w, fmt.Sprintf("export: %v", err), http.StatusInternalServerError)
				return
			}
			refs = append(refs, art.Ref())
		}
	}
	resp := struct {
		Input     ArtifactRef            `json:"input"`
		Flights   []report.FlightSummary `json:"flights"`
		Dropped   int                    `json:"dropped"`
		Artifacts []ArtifactRef          `json:"artifacts"`
	}{
		Input:     input.Ref(),
		Flights:   report.SummarizeFlights(log),
		Dropped:   log.Dropped,
		Artifacts: refs,
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) streamRows(w http.ResponseWriter, log *bbl.Log, opts export.Options) {
	nw := newNDJSONStream(w)
	for _, f := range log.Flights {
		head := struct {
			Type   string   `json:"type"`
			Index  int      `json:"index"`
			Fields []string `json:"fields"`
			Frames int      `json:"frames"`
		}{Type: "flight", Index: f.Index, Fields: f.Fields(), Frames: f.Len()}
		if err := nw.Send(head); err != nil {
			return
		}
		rw, err := export.NewRowWriter(nw, f, opts)
		if err != nil {
			nw.Fail(err)
			return
		}
		for _, row := range f.Rows() {
			if err := rw.Write(row); err != nil {
				return
			}
		}
	}
	_ = nw.Send(map[string]any{
		"type":    "summary",
		"flights": report.SummarizeFlights(log),
		"dropped": log.Dropped,
	})
}

func (s *Server) writeExport(input string, f *bbl.Flight, format export.Format, opts export.Options) (Artifact, error) {
	name := export.FileName(input, f.Index, format)
	path := filepath.Join(s.workDir, uuid.NewString()+"-"+name)
	out, err := os.Create(path)
	if err != nil {
		return Artifact{}, err
	}
	if err := export.Write(out, f, format, opts); err != nil {
		out.Close()
		return Artifact{}, err
	}
	if err := out.Close(); err != nil {
		return Artifact{}, err
	}
	return s.register(path, name, "", "export")
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	stream := r.URL.Query().Get("stream") == "true"
	var req struct {
		Input             string          `json:"input"`
		RulePack          *rules.RulePack `json:"rulePack"`
		IncludeTimestamps *bool           `json:"includeTimestamps"`
		ApplyFixes        bool            `json:"applyFixes"`
		Lang              string          `json:"lang"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid json: %v", err), http.StatusBadRequest)
		return
	}
	if req.Input == "" {
		http.Error(w, "input required", http.StatusBadRequest)
		return
	}
	lang, err := report.ParseLanguage(req.Lang)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	inputPath, err := s.resolvePath(req.Input)
	if err != nil {
		http.Error(w, fmt.Sprintf("input resolve: %v", err), http.StatusBadRequest)
		return
	}
	rp := s.rulePack
	if req.RulePack != nil && len(req.RulePack.Rules) > 0 {
		rp = *req.RulePack
	}
	engine := rules.NewEngine(rp)
	engine.RegisterBuiltins()
	includeTimestamps := true
	if req.IncludeTimestamps != nil {
		includeTimestamps = *req.IncludeTimestamps
	}
	engine.SetConfigValue("diag.include_timestamps", includeTimestamps)
	ctx := &rules.Context{
		InputFile:  inputPath,
		Options:    append(s.opts.decodeOptions(), bbl.WithCollector(s.collector)),
		ApplyFixes: req.ApplyFixes,
		OutputDir:  s.workDir,
	}
	if req.ApplyFixes {
		auditPath, err := s.tempPath("fixes-*.ndjson")
		if err != nil {
			http.Error(w, fmt.Sprintf("audit temp: %v", err), http.StatusInternalServerError)
			return
		}
		ctx.AuditLog = common.NewFixLog(auditPath)
	}

	diags, err := engine.Eval(ctx)
	if err != nil {
		http.Error(w, fmt.Sprintf("eval: %v", err), http.StatusInternalServerError)
		return
	}
	rep := engine.MakeAcceptance()
	refs, err := s.validationArtifacts(engine, rep, ctx, lang)

	if stream {
		writer := newNDJSONStream(w)
		for _, d := range diags {
			if err := writer.Send(d); err != nil {
				return
			}
		}
		if err != nil {
			writer.Fail(err)
			return
		}
		summary := struct {
			Type       string                 `json:"type"`
			Acceptance rules.AcceptanceReport `json:"acceptance"`
			Artifacts  []ArtifactRef          `json:"artifacts"`
			Total      int                    `json:"diagnostics"`
		}{Type: "acceptance", Acceptance: rep, Artifacts: refs, Total: len(diags)}
		_ = writer.Send(summary)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	resp := struct {
		Acceptance  rules.AcceptanceReport `json:"acceptance"`
		Diagnostics int                    `json:"diagnostics"`
		Artifacts   []ArtifactRef          `json:"artifacts"`
	}{
		Acceptance:  rep,
		Diagnostics: len(diags),
		Artifacts:   refs,
	}
	writeJSON(w, http.StatusOK, resp)
}

// validationArtifacts stores diagnostics, the acceptance JSON and PDF, and
// any repaired copies the rules wrote.
func (s *Server) validationArtifacts(engine *rules.Engine, rep rules.AcceptanceReport, ctx *rules.Context, lang report.Language) ([]ArtifactRef, error) {
	diagPath, err := s.tempPath("diagnostics-*.ndjson")
	if err != nil {
		return nil, fmt.Errorf("diagnostics temp: %w", err)
	}
	if err := engine.WriteDiagnosticsNDJSON(diagPath); err != nil {
		return nil, fmt.Errorf("write diagnostics: %w", err)
	}
	accPath, err := s.tempPath("acceptance-*.json")
	if err != nil {
		return nil, fmt.Errorf("acceptance temp: %w", err)
	}
	if err := report.SaveAcceptanceJSON(rep, accPath); err != nil {
		return nil, fmt.Errorf("write acceptance: %w", err)
	}
	pdfPath, err := s.tempPath("acceptance-*.pdf")
	if err != nil {
		return nil, fmt.Errorf("acceptance pdf temp: %w", err)
	}
	sum, _, err := common.Sha256OfFile(ctx.InputFile)
	if err != nil {
		return nil, err
	}
	doc := report.Document{
		Input:       filepath.Base(ctx.InputFile),
		InputSha256: sum,
		Generated:   time.Now(),
		Acceptance:  rep,
		Flights:     report.SummarizeFlights(ctx.Log),
	}
	if err := report.SavePDF(doc, lang, pdfPath); err != nil {
		return nil, fmt.Errorf("write acceptance pdf: %w", err)
	}

	var refs []ArtifactRef
	for _, a := range []struct{ path, name, ct, kind string }{
		{diagPath, "diagnostics.ndjson", "application/x-ndjson", "diagnostics"},
		{accPath, "acceptance_report.json", "application/json", "acceptance"},
		{pdfPath, "acceptance_report.pdf", "application/pdf", "acceptance"},
	} {
		art, err := s.register(a.path, a.name, a.ct, a.kind)
		if err != nil {
			return nil, err
		}
		refs = append(refs, art.Ref())
	}
	fixed := false
	for _, d := range engine.Diagnostics() {
		if !d.FixApplied || d.FixOutput == "" {
			continue
		}
		art, err := s.register(d.FixOutput, filepath.Base(d.FixOutput), "application/octet-stream", "autofix")
		if err != nil {
			return nil, err
		}
		refs = append(refs, art.Ref())
		fixed = true
	}
	if fixed && ctx.AuditLog != nil {
		art, err := s.register(ctx.AuditLog.Path(), "fixes_audit.ndjson", "application/x-ndjson", "audit")
		if err != nil {
			return nil, err
		}
		refs = append(refs, art.Ref())
	}
	return refs, nil
}

func (s *Server) handleManifest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Inputs  []string `json:"inputs"`
		ShaAlgo string   `json:"shaAlgo"`
		Sign    bool     `json:"sign"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid json: %v", err), http.StatusBadRequest)
		return
	}
	if len(req.Inputs) == 0 {
		http.Error(w, "inputs required", http.StatusBadRequest)
		return
	}
	if req.ShaAlgo != "" && !strings.EqualFold(req.ShaAlgo, "sha256") {
		http.Error(w, "only sha256 supported", http.StatusBadRequest)
		return
	}
	if req.Sign && !s.opts.ManifestSigning.enabled() {
		http.Error(w, "manifest signing not configured", http.StatusBadRequest)
		return
	}
	var paths []string
	for _, in := range req.Inputs {
		resolved, err := s.resolvePath(in)
		if err != nil {
			http.Error(w, fmt.Sprintf("resolve %s: %v", in, err), http.StatusBadRequest)
			return
		}
		paths = append(paths, resolved)
	}
	m, err := manifest.Build(paths)
	if err != nil {
		http.Error(w, fmt.Sprintf("build manifest: %v", err), http.StatusInternalServerError)
		return
	}
	outPath, err := s.tempPath("manifest-*.json")
	if err != nil {
		http.Error(w, fmt.Sprintf("manifest temp: %v", err), http.StatusInternalServerError)
		return
	}
	var sigRef *ArtifactRef
	if req.Sign {
		ref, err := s.signManifest(&m, outPath)
		if err != nil {
			http.Error(w, fmt.Sprintf("sign manifest: %v", err), http.StatusInternalServerError)
			return
		}
		sigRef = &ref
	} else if err := manifest.Save(m, outPath); err != nil {
		http.Error(w, fmt.Sprintf("write manifest: %v", err), http.StatusInternalServerError)
		return
	}
	art, err := s.register(outPath, "manifest.json", "application/json", "manifest")
	if err != nil {
		http.Error(w, fmt.Sprintf("register manifest: %v", err), http.StatusInternalServerError)
		return
	}
	resp := struct {
		Manifest  manifest.Manifest `json:"manifest"`
		Artifact  ArtifactRef       `json:"artifact"`
		Signature *ArtifactRef      `json:"signature,omitempty"`
	}{
		Manifest:  m,
		Artifact:  art.Ref(),
		Signature: sigRef,
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) signManifest(m *manifest.Manifest, outPath string) (ArtifactRef, error) {
	keyPEM, err := os.ReadFile(s.opts.ManifestSigning.PrivateKeyPath)
	if err != nil {
		return ArtifactRef{}, err
	}
	certPEM, err := os.ReadFile(s.opts.ManifestSigning.CertificatePath)
	if err != nil {
		return ArtifactRef{}, err
	}
	sigPath := strings.TrimSuffix(outPath, filepath.Ext(outPath)) + ".jws"
	payload, jws, err := manifest.Sign(m, keyPEM, certPEM, "manifest.jws")
	if err != nil {
		return ArtifactRef{}, err
	}
	jwsBytes, err := json.MarshalIndent(jws, "", "  ")
	if err != nil {
		return ArtifactRef{}, err
	}
	if err := os.WriteFile(sigPath, jwsBytes, 0o644); err != nil {
		return ArtifactRef{}, err
	}
	if err := os.WriteFile(outPath, payload, 0o644); err != nil {
		return ArtifactRef{}, err
	}
	art, err := s.register(sigPath, "manifest.jws", "application/jose+json", "signature")
	if err != nil {
		return ArtifactRef{}, err
	}
	return art.Ref(), nil
}

func (s *Server) handleArtifacts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.artifacts.list())
}

func (s *Server) handleArtifactDownload(w http.ResponseWriter, r *http.Request) {
	art, ok := s.artifacts.get(r.PathValue("id"))
	if !ok {
		http.NotFound(w, r)
		return
	}
	f, err := os.Open(art.Path)
	if err != nil {
		http.Error(w, fmt.Sprintf("open artifact: %v", err), http.StatusInternalServerError)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		http.Error(w, fmt.Sprintf("stat artifact: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", art.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", art.Name))
	w.Header().Set("X-Content-Sha256", art.Sha256)
	http.ServeContent(w, r, art.Name, info.ModTime(), f)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"artifacts": s.artifacts.len(),
		"rulePack":  s.rulePack.RulePackId,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}
