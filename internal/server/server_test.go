package server

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"bookvault/internal/app"
	"bookvault/internal/usertoken"
	"bookvault/internal/vault"
	"bookvault/pkg/domain"
	"bookvault/pkg/store"
)

type testServer struct {
	handler  http.Handler
	verifier *usertoken.Verifier
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	vaults, err := vault.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	appCore, err := app.New(app.Config{
		Store:  store.NewMemoryStore(),
		Vaults: vaults,
	})
	if err != nil {
		t.Fatal(err)
	}
	verifier, err := usertoken.NewVerifier(usertoken.Config{Secret: []byte("test-secret")})
	if err != nil {
		t.Fatal(err)
	}
	srv, err := New(Config{
		App:           appCore,
		TokenVerifier: verifier,
		PublicBaseURL: "http://lib.test",
	})
	if err != nil {
		t.Fatal(err)
	}
	return &testServer{handler: srv.Router(), verifier: verifier}
}

func (ts *testServer) token(t *testing.T, user domain.User) string {
	t.Helper()
	tok, err := ts.verifier.Issue(user, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return tok
}

func (ts *testServer) do(t *testing.T, method, target, token string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func epubUpload(t *testing.T, marker string) (io.Reader, string) {
	t.Helper()
	zipBuf := new(bytes.Buffer)
	zw := zip.NewWriter(zipBuf)
	for _, f := range []struct{ name, content string }{
		{"META-INF/container.xml", `<?xml version="1.0"?>
<container version="1.0" xmlns="urn:oasis:names:tc:opendocument:xmlns:container">
  <rootfiles><rootfile full-path="content.opf" media-type="application/oebps-package+xml"/></rootfiles>
</container>`},
		{"content.opf", `<?xml version="1.0"?>
<package xmlns="http://www.idpf.org/2007/opf" version="3.0">
  <metadata/>
  <manifest>
    <item id="c1" href="ch1.xhtml" media-type="application/xhtml+xml"/>
    <item id="img1" href="pic.png" media-type="image/png"/>
  </manifest>
  <spine><itemref idref="c1"/></spine>
</package>`},
		{"ch1.xhtml", `<html><head></head><body><h1>Hello ` + marker + `</h1><img src="pic.png"/></body></html>`},
		{"pic.png", "pngbytes-" + marker},
	} {
		fw, err := zw.Create(f.name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := io.WriteString(fw, f.content); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}

	body := new(bytes.Buffer)
	mw := multipart.NewWriter(body)
	fw, err := mw.CreateFormFile("file", "hello.epub")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fw.Write(zipBuf.Bytes()); err != nil {
		t.Fatal(err)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	return body, mw.FormDataContentType()
}

func (ts *testServer) uploadBook(t *testing.T, token, marker string) domain.BookResponse {
	t.Helper()
	body, contentType := epubUpload(t, marker)
	rec := ts.do(t, http.MethodPost, "/books", token, body, contentType)
	if rec.Code != http.StatusCreated {
		t.Fatalf("upload status = %d, body: %s", rec.Code, rec.Body)
	}
	var res domain.BookResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode upload response: %v", err)
	}
	return res
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/healthz", "", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/books", "", nil, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "AUTH_INVALID_TOKEN") {
		t.Errorf("body = %s", rec.Body)
	}

	rec = ts.do(t, http.MethodGet, "/books", "not-a-jwt", nil, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("garbage token status = %d, want 401", rec.Code)
	}
}

func TestQueryTokenTakesPrecedenceOverHeader(t *testing.T) {
	ts := newTestServer(t)
	user := domain.User{ID: "u1", Email: "u1@example.com"}
	good := ts.token(t, user)

	// Valid query token wins even when the header carries garbage.
	rec := ts.do(t, http.MethodGet, "/books?token="+good, "broken-header-token", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body: %s", rec.Code, rec.Body)
	}

	// And a garbage query token loses even with a valid header.
	rec = ts.do(t, http.MethodGet, "/books?token=garbage", good, nil, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestUploadListGetDelete(t *testing.T) {
	ts := newTestServer(t)
	token := ts.token(t, domain.User{ID: "u1"})

	book := ts.uploadBook(t, token, "lifecycle")
	if book.Title != "hello.epub" || len(book.Chapters) != 1 {
		t.Fatalf("uploaded book = %+v", book)
	}

	rec := ts.do(t, http.MethodGet, "/books", token, nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var listing struct {
		Items []domain.BookResponse `json:"items"`
		Count int                   `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listing); err != nil {
		t.Fatal(err)
	}
	if listing.Count != 1 || len(listing.Items) != 1 {
		t.Fatalf("listing = %+v", listing)
	}

	rec = ts.do(t, http.MethodGet, "/books/"+book.ID, token, nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}

	rec = ts.do(t, http.MethodDelete, "/books/"+book.ID, token, nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d, body: %s", rec.Code, rec.Body)
	}
	rec = ts.do(t, http.MethodGet, "/books/"+book.ID, token, nil, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get after delete status = %d, want 404", rec.Code)
	}
}

func TestDuplicateUploadIsBadRequest(t *testing.T) {
	ts := newTestServer(t)
	token := ts.token(t, domain.User{ID: "u1"})
	ts.uploadBook(t, token, "same")

	body, contentType := epubUpload(t, "same")
	rec := ts.do(t, http.MethodPost, "/books", token, body, contentType)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "BOOK_DUPLICATE") {
		t.Errorf("body = %s", rec.Body)
	}
}

func TestManifestListsChapterURLs(t *testing.T) {
	ts := newTestServer(t)
	token := ts.token(t, domain.User{ID: "u1"})
	book := ts.uploadBook(t, token, "manifest")

	rec := ts.do(t, http.MethodGet, "/books/"+book.ID+"/manifest", token, nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body: %s", rec.Code, rec.Body)
	}
	var m app.Manifest
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatal(err)
	}
	if len(m.Chapters) != 1 {
		t.Fatalf("manifest = %+v", m)
	}
	wantPrefix := "http://lib.test/books/" + book.ID + "/content/"
	if !strings.HasPrefix(m.Chapters[0].URL, wantPrefix) {
		t.Fatalf("chapter URL = %q, want prefix %q", m.Chapters[0].URL, wantPrefix)
	}
}

func TestContentGetAndHead(t *testing.T) {
	ts := newTestServer(t)
	token := ts.token(t, domain.User{ID: "u1"})
	book := ts.uploadBook(t, token, "content")
	target := "/books/" + book.ID + "/content/" + book.Chapters[0].ID

	rec := ts.do(t, http.MethodGet, target, token, nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET status = %d, body: %s", rec.Code, rec.Body)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Content-Type = %s", ct)
	}
	if !strings.Contains(rec.Body.String(), `<div id="viewer">`) {
		t.Errorf("body not rendered for reading:\n%s", rec.Body)
	}

	// HEAD answers availability without rendering.
	rec = ts.do(t, http.MethodHead, target, token, nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("HEAD status = %d", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("HEAD body = %q, want empty", rec.Body)
	}

	rec = ts.do(t, http.MethodHead, "/books/"+book.ID+"/content/no-such-chapter", token, nil, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("HEAD missing chapter status = %d, want 404", rec.Code)
	}
}

func TestImagesServedToOwnerOnly(t *testing.T) {
	ts := newTestServer(t)
	owner := ts.token(t, domain.User{ID: "u1"})
	other := ts.token(t, domain.User{ID: "u2"})
	book := ts.uploadBook(t, owner, "images")
	target := "/books/" + book.ID + "/images/pic.png"

	rec := ts.do(t, http.MethodGet, target, owner, nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("owner status = %d", rec.Code)
	}
	rec = ts.do(t, http.MethodGet, target, other, nil, "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("non-owner status = %d, want 403", rec.Code)
	}
}

func TestProgressRoundTrip(t *testing.T) {
	ts := newTestServer(t)
	token := ts.token(t, domain.User{ID: "u1"})
	book := ts.uploadBook(t, token, "progress")
	target := "/books/" + book.ID + "/progress"

	rec := ts.do(t, http.MethodGet, target, token, nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("default progress status = %d", rec.Code)
	}
	var p domain.Progress
	if err := json.Unmarshal(rec.Body.Bytes(), &p); err != nil {
		t.Fatal(err)
	}
	if p.ChapterIndex != 0 || p.ProgressPercent != 0 {
		t.Fatalf("default progress = %+v", p)
	}

	rec = ts.do(t, http.MethodPut, target, token, strings.NewReader(`{"chapterIndex":1,"progressPercent":55.5}`), "application/json")
	if rec.Code != http.StatusOK {
		t.Fatalf("save progress status = %d, body: %s", rec.Code, rec.Body)
	}

	rec = ts.do(t, http.MethodGet, target, token, nil, "")
	if err := json.Unmarshal(rec.Body.Bytes(), &p); err != nil {
		t.Fatal(err)
	}
	if p.ChapterIndex != 1 || p.ProgressPercent != 55.5 {
		t.Fatalf("saved progress = %+v", p)
	}

	rec = ts.do(t, http.MethodPut, target, token, strings.NewReader(`{"chapterIndex":0,"progressPercent":250}`), "application/json")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("out-of-range progress status = %d, want 400", rec.Code)
	}
}

func TestUnknownSubrouteIs404(t *testing.T) {
	ts := newTestServer(t)
	token := ts.token(t, domain.User{ID: "u1"})
	book := ts.uploadBook(t, token, "routes")

	rec := ts.do(t, http.MethodGet, "/books/"+book.ID+"/nonsense", token, nil, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestMissingBookReportsBookNotFound(t *testing.T) {
	ts := newTestServer(t)
	token := ts.token(t, domain.User{ID: "u1"})

	rec := ts.do(t, http.MethodGet, "/books/no-such-book", token, nil, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "BOOK_NOT_FOUND") {
		t.Errorf("body = %s", rec.Body)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	ts := newTestServer(t)
	token := ts.token(t, domain.User{ID: "u1"})
	rec := ts.do(t, http.MethodPut, "/books", token, nil, "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}
