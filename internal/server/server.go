package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"bookvault/internal/app"
	"bookvault/internal/assets"
	"bookvault/internal/usertoken"
	"bookvault/internal/util"
	"bookvault/pkg/domain"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App            *app.App
	TokenVerifier  *usertoken.Verifier
	PublicBaseURL  string
	MaxUploadBytes int64
}

// Server exposes the library's HTTP endpoints.
type Server struct {
	app            *app.App
	tokenVerifier  *usertoken.Verifier
	publicBaseURL  string
	mux            *http.ServeMux
	maxUploadBytes int64
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("app is required")
	}
	if cfg.TokenVerifier == nil {
		return nil, errors.New("token verifier is required")
	}
	maxUploadBytes := cfg.MaxUploadBytes
	if maxUploadBytes <= 0 {
		maxUploadBytes = 50 * 1024 * 1024
	}
	s := &Server{
		app:            cfg.App,
		tokenVerifier:  cfg.TokenVerifier,
		publicBaseURL:  strings.TrimRight(cfg.PublicBaseURL, "/"),
		mux:            http.NewServeMux(),
		maxUploadBytes: maxUploadBytes,
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog(util.WithSecurityHeaders(util.WithCORS(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	// books
	s.mux.Handle("/books", s.withUser(s.handleBooks))
	s.mux.Handle("/books/", s.withUser(s.handleBookByID))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type userHandler func(http.ResponseWriter, *http.Request, domain.User, string)

// withUser authenticates the request. The query `token` parameter takes
// precedence over the Authorization header so that image and content URLs
// embedded in rendered chapters work inside iframes and <img> tags, where
// headers cannot be attached.
func (s *Server) withUser(next userHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimSpace(r.URL.Query().Get("token"))
		if token == "" {
			token, _ = bearerToken(r)
		}
		if token == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		user, err := s.tokenVerifier.Verify(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, user, token)
	})
}

func (s *Server) handleBooks(w http.ResponseWriter, r *http.Request, user domain.User, _ string) {
	switch r.Method {
	case http.MethodPost:
		s.handleUploadBook(w, r, user)
	case http.MethodGet:
		s.handleListBooks(w, user)
	default:
		methodNotAllowed(w)
	}
}

// /books/{id}, /books/{id}/cover, /books/{id}/download, /books/{id}/manifest,
// /books/{id}/content/{chapterID}, /books/{id}/images/{name},
// /books/{id}/progress
func (s *Server) handleBookByID(w http.ResponseWriter, r *http.Request, user domain.User, token string) {
	path := strings.TrimPrefix(r.URL.Path, "/books/")
	parts := strings.SplitN(path, "/", 3)
	id := parts[0]
	if id == "" {
		notFound(w, "not found")
		return
	}

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			s.handleGetBook(w, user, id)
		case http.MethodDelete:
			s.handleDeleteBook(w, user, id)
		default:
			methodNotAllowed(w)
		}
		return
	}

	switch parts[1] {
	case "cover":
		if len(parts) != 2 {
			notFound(w, "not found")
			return
		}
		s.handleCover(w, r, user, id)
	case "download":
		if len(parts) != 2 {
			notFound(w, "not found")
			return
		}
		s.handleDownload(w, r, user, id)
	case "manifest":
		if len(parts) != 2 {
			notFound(w, "not found")
			return
		}
		s.handleManifest(w, r, user, id)
	case "progress":
		if len(parts) != 2 {
			notFound(w, "not found")
			return
		}
		s.handleProgress(w, r, user, id)
	case "content":
		if len(parts) != 3 || parts[2] == "" {
			notFound(w, "not found")
			return
		}
		s.handleContent(w, r, user, token, id, parts[2])
	case "images":
		if len(parts) != 3 || parts[2] == "" {
			notFound(w, "not found")
			return
		}
		s.handleImage(w, r, user, id, parts[2])
	default:
		notFound(w, "not found")
	}
}

func (s *Server) handleUploadBook(w http.ResponseWriter, r *http.Request, user domain.User) {
	if s.maxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form data")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required (field: file)")
		return
	}
	defer file.Close()
	book, err := s.app.UploadBook(user, header.Filename, file)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, book)
}

func (s *Server) handleListBooks(w http.ResponseWriter, user domain.User) {
	books, err := s.app.ListBooks(user)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": books,
		"count": len(books),
	})
}

func (s *Server) handleGetBook(w http.ResponseWriter, user domain.User, id string) {
	book, err := s.app.GetBook(user, id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, book)
}

func (s *Server) handleDeleteBook(w http.ResponseWriter, user domain.User, id string) {
	if err := s.app.DeleteBook(user, id); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleCover(w http.ResponseWriter, r *http.Request, user domain.User, id string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	path, err := s.app.CoverPath(user, id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	http.ServeFile(w, r, path)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request, user domain.User, id string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	path, title, err := s.app.DownloadInfo(user, id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	w.Header().Set("Content-Disposition", `attachment; filename="`+sanitizeFilename(title)+`"`)
	http.ServeFile(w, r, path)
}

func (s *Server) handleManifest(w http.ResponseWriter, r *http.Request, user domain.User, id string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	m, err := s.app.BuildManifest(user, id, s.baseURL(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleContent(w http.ResponseWriter, r *http.Request, user domain.User, token, bookID, chapterID string) {
	switch r.Method {
	case http.MethodGet:
	case http.MethodHead:
		// Readers probe chapter availability before loading; skip rendering.
		if err := s.app.ChapterExists(user, bookID, chapterID); err != nil {
			writeDomainError(w, err)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		return
	default:
		methodNotAllowed(w)
		return
	}
	body, err := s.app.ChapterContent(user, bookID, chapterID, s.baseURL(r), token)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (s *Server) handleImage(w http.ResponseWriter, r *http.Request, user domain.User, bookID, name string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	path, err := s.app.ImagePath(user, bookID, name)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	w.Header().Set("Content-Type", assets.ContentType(name))
	http.ServeFile(w, r, path)
}

type progressRequest struct {
	ChapterIndex    int     `json:"chapterIndex"`
	ProgressPercent float64 `json:"progressPercent"`
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request, user domain.User, id string) {
	switch r.Method {
	case http.MethodGet:
		p, err := s.app.GetProgress(user, id)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	case http.MethodPut:
		var req progressRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if err := s.app.SaveProgress(user, id, req.ChapterIndex, req.ProgressPercent); err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
	default:
		methodNotAllowed(w)
	}
}

// baseURL prefers the configured public URL; otherwise it is reconstructed
// from the request so rendered links work in local setups.
func (s *Server) baseURL(r *http.Request) string {
	if s.publicBaseURL != "" {
		return s.publicBaseURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return scheme + "://" + r.Host
}

func sanitizeFilename(name string) string {
	r := strings.NewReplacer(`"`, "", "\r", "", "\n", "", "/", "_", `\`, "_")
	out := strings.TrimSpace(r.Replace(name))
	if out == "" {
		return "book"
	}
	return out
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func notFound(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusNotFound, msg)
}

// writeDomainError maps application sentinel errors onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrQuotaExceeded):
		writeError(w, http.StatusBadRequest, "storage quota exceeded")
	case errors.Is(err, domain.ErrDuplicateBook):
		writeError(w, http.StatusBadRequest, "book already in library")
	case errors.Is(err, domain.ErrUnauthenticated):
		writeError(w, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, domain.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, domain.ErrProcessingFailed):
		writeError(w, http.StatusInternalServerError, "failed to process book")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      errorCode(status, msg),
		RequestID: strings.TrimSpace(w.Header().Get("X-Request-Id")),
	})
}

func errorCode(status int, msg string) string {
	message := strings.ToLower(strings.TrimSpace(msg))
	switch {
	case message == "unauthorized":
		return "AUTH_INVALID_TOKEN"
	case message == "forbidden":
		return "BOOK_FORBIDDEN"
	case message == "storage quota exceeded":
		return "BOOK_QUOTA_EXCEEDED"
	case message == "book already in library":
		return "BOOK_DUPLICATE"
	case strings.Contains(message, "unsupported file type"):
		return "BOOK_UNSUPPORTED_FILE_TYPE"
	case strings.Contains(message, "file is required"):
		return "BOOK_FILE_REQUIRED"
	case message == "invalid form data":
		return "BOOK_INVALID_UPLOAD_FORM"
	case message == "invalid json body":
		return "BOOK_INVALID_REQUEST"
	case message == "failed to process book":
		return "BOOK_PROCESSING_FAILED"
	case message == "method not allowed":
		return "SYSTEM_METHOD_NOT_ALLOWED"
	}

	switch status {
	case http.StatusBadRequest:
		return "BOOK_INVALID_REQUEST"
	case http.StatusUnauthorized:
		return "AUTH_INVALID_TOKEN"
	case http.StatusForbidden:
		return "BOOK_FORBIDDEN"
	case http.StatusNotFound:
		return "BOOK_NOT_FOUND"
	case http.StatusMethodNotAllowed:
		return "SYSTEM_METHOD_NOT_ALLOWED"
	default:
		if status >= http.StatusInternalServerError {
			return "SYSTEM_INTERNAL_ERROR"
		}
		return "REQUEST_ERROR"
	}
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}
