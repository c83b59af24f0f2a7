package api

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/starford/imagestudio/internal/generator"
	"github.com/starford/imagestudio/internal/pngmeta"
	"github.com/starford/imagestudio/internal/studio"
	"github.com/starford/imagestudio/internal/testutil"
)

type testEnv struct {
	router http.Handler
	dir    string
}

func newTestEnv(t *testing.T, authToken string, requireKey bool) *testEnv {
	t.Helper()
	dir, store := testutil.TestGallery(t)
	svc := studio.NewService(store, testutil.TestDB(t), generator.Placeholder{}, studio.Options{
		URLPrefix:     "/static/generated",
		RequireAPIKey: requireKey,
	}, testutil.Logger())
	router := NewRouter(svc, RouterConfig{
		AuthEnabled: authToken != "",
		Token:       authToken,
		GalleryDir:  dir,
		URLPrefix:   "/static/generated",
	})
	return &testEnv{router: router, dir: dir}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func jsonRequest(method, target string, v any) *http.Request {
	body, _ := json.Marshal(v)
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func multipartRequest(t *testing.T, fields map[string]string, files map[string][]byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		_ = mw.WriteField(k, v)
	}
	for name, data := range files {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", `form-data; name="reference_images"; filename="`+name+`"`)
		h.Set("Content-Type", "image/png")
		part, err := mw.CreatePart(h)
		if err != nil {
			t.Fatal(err)
		}
		_, _ = part.Write(data)
	}
	_ = mw.Close()
	req := httptest.NewRequest(http.MethodPost, "/generate", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func TestGenerate_JSON(t *testing.T) {
	e := newTestEnv(t, "", false)
	w := e.do(jsonRequest(http.MethodPost, "/generate", map[string]any{
		"prompt":       "a lighthouse",
		"aspect_ratio": "Auto",
	}))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	resp := decode[GenerateResponse](t, w)
	if !strings.HasPrefix(resp.Image, "/static/generated/") || !strings.HasSuffix(resp.Image, ".png") {
		t.Errorf("image = %q", resp.Image)
	}
	data, err := base64.StdEncoding.DecodeString(resp.ImageData)
	if err != nil {
		t.Fatal(err)
	}
	meta, ok := pngmeta.Decode(data, "").(map[string]any)
	if !ok || meta["prompt"] != "a lighthouse" || meta["resolution"] != "2K" {
		t.Errorf("embedded metadata = %v", meta)
	}

	// The file is served back under the URL.
	got := e.do(httptest.NewRequest(http.MethodGet, resp.Image, nil))
	if got.Code != http.StatusOK || !bytes.Equal(got.Body.Bytes(), data) {
		t.Errorf("static fetch status=%d len=%d", got.Code, got.Body.Len())
	}
	if ct := got.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("content-type = %q", ct)
	}
}

func TestGenerate_Multipart(t *testing.T) {
	e := newTestEnv(t, "", false)
	req := multipartRequest(t, map[string]string{
		"prompt":                "remix",
		"resolution":            "1K",
		"reference_image_paths": `[null, "/static/generated/x.png"]`,
	}, map[string][]byte{"ref.png": testutil.PNG(t, 2, 2)})

	w := e.do(req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	resp := decode[GenerateResponse](t, w)
	data, _ := base64.StdEncoding.DecodeString(resp.ImageData)
	var meta struct {
		Resolution string   `json:"resolution"`
		Paths      []string `json:"reference_image_paths"`
	}
	if !pngmeta.DecodeInto(data, "", &meta) {
		t.Fatal("no metadata")
	}
	if meta.Resolution != "1K" {
		t.Errorf("resolution = %q", meta.Resolution)
	}
	if diff := cmp.Diff([]string{"", "/static/generated/x.png"}, meta.Paths); diff != "" {
		t.Errorf("paths (-want +got):\n%s", diff)
	}
}

func TestGenerate_Errors(t *testing.T) {
	t.Setenv(studio.EnvAPIKey, "")
	e := newTestEnv(t, "", true)

	w := e.do(jsonRequest(http.MethodPost, "/generate", map[string]string{"prompt": ""}))
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing prompt status = %d", w.Code)
	}
	if got := decode[errResponse](t, w); got.Error != "Prompt is required" {
		t.Errorf("error = %q", got.Error)
	}

	w = e.do(jsonRequest(http.MethodPost, "/generate", map[string]string{"prompt": "x"}))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("missing key status = %d", w.Code)
	}
	if got := decode[errResponse](t, w); got.Error != "API Key is required." {
		t.Errorf("error = %q", got.Error)
	}

	w = e.do(jsonRequest(http.MethodPost, "/generate", map[string]string{"prompt": "x", "api_key": "k"}))
	if w.Code != http.StatusOK {
		t.Errorf("with key status = %d: %s", w.Code, w.Body.String())
	}

	empty := httptest.NewRequest(http.MethodPost, "/generate", nil)
	empty.Header.Set("Content-Type", "application/json")
	if w := e.do(empty); w.Code != http.StatusBadRequest {
		t.Errorf("empty body status = %d", w.Code)
	}
}

func TestGallery(t *testing.T) {
	e := newTestEnv(t, "", false)
	w := e.do(httptest.NewRequest(http.MethodGet, "/gallery", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if got := w.Header().Get("Cache-Control"); got != "no-cache, no-store, must-revalidate" {
		t.Errorf("cache-control = %q", got)
	}
	if resp := decode[GalleryResponse](t, w); len(resp.Images) != 0 {
		t.Errorf("images = %v", resp.Images)
	}

	first := decode[GenerateResponse](t, e.do(jsonRequest(http.MethodPost, "/generate", map[string]string{"prompt": "red barn"})))
	second := decode[GenerateResponse](t, e.do(jsonRequest(http.MethodPost, "/generate", map[string]string{"prompt": "blue lake"})))

	resp := decode[GalleryResponse](t, e.do(httptest.NewRequest(http.MethodGet, "/gallery", nil)))
	if len(resp.Images) != 2 {
		t.Fatalf("images = %v", resp.Images)
	}

	resp = decode[GalleryResponse](t, e.do(httptest.NewRequest(http.MethodGet, "/gallery?q=barn", nil)))
	if diff := cmp.Diff([]string{first.Image}, resp.Images); diff != "" {
		t.Errorf("search (-want +got):\n%s", diff)
	}

	list := decode[ImageListResponse](t, e.do(httptest.NewRequest(http.MethodGet, "/images?limit=1", nil)))
	if list.Total != 2 || len(list.Images) != 1 {
		t.Errorf("list = %+v", list)
	}
	_ = second
}

func TestDeleteImage(t *testing.T) {
	e := newTestEnv(t, "", false)
	gen := decode[GenerateResponse](t, e.do(jsonRequest(http.MethodPost, "/generate", map[string]string{"prompt": "temp"})))
	name := filepath.Base(gen.Image)

	w := e.do(jsonRequest(http.MethodPost, "/delete_image", DeleteImageRequest{Filename: name}))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if _, err := os.Stat(filepath.Join(e.dir, name)); !os.IsNotExist(err) {
		t.Error("file still on disk")
	}

	w = e.do(jsonRequest(http.MethodPost, "/delete_image", DeleteImageRequest{Filename: name}))
	if w.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d", w.Code)
	}

	for _, bad := range []string{"", "../secret.png", "/etc/passwd"} {
		w = e.do(jsonRequest(http.MethodPost, "/delete_image", DeleteImageRequest{Filename: bad}))
		if w.Code != http.StatusBadRequest {
			t.Errorf("delete %q status = %d", bad, w.Code)
		}
	}
}

func TestMetadataEndpoints(t *testing.T) {
	e := newTestEnv(t, "", false)
	gen := decode[GenerateResponse](t, e.do(jsonRequest(http.MethodPost, "/generate", map[string]string{"prompt": "owl", "aspect_ratio": "1:1"})))

	w := e.do(httptest.NewRequest(http.MethodGet, "/metadata?url="+gen.Image, nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	resp := decode[MetadataResponse](t, w)
	m, ok := resp.Metadata.(map[string]any)
	if !ok || m["prompt"] != "owl" || m["aspect_ratio"] != "1:1" {
		t.Errorf("metadata = %v", resp.Metadata)
	}

	if w := e.do(httptest.NewRequest(http.MethodGet, "/metadata?url=/static/generated/none.png", nil)); w.Code != http.StatusNotFound {
		t.Errorf("missing image status = %d", w.Code)
	}

	// Raw body decode.
	raw := testutil.TaggedPNG(t, map[string]any{"prompt": "dropped"})
	w = e.do(httptest.NewRequest(http.MethodPost, "/metadata", bytes.NewReader(raw)))
	resp = decode[MetadataResponse](t, w)
	if m, _ := resp.Metadata.(map[string]any); m["prompt"] != "dropped" {
		t.Errorf("raw decode = %v", resp.Metadata)
	}

	// Not a PNG: null metadata.
	w = e.do(httptest.NewRequest(http.MethodPost, "/metadata", strings.NewReader("hello")))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"metadata":null`) {
		t.Errorf("non-png decode = %d %s", w.Code, w.Body.String())
	}
}

func TestStaticFile_Validation(t *testing.T) {
	e := newTestEnv(t, "", false)
	_ = os.WriteFile(filepath.Join(e.dir, "notes.txt"), []byte("x"), 0o644)

	cases := map[string]int{
		"/static/generated/missing.png": http.StatusNotFound,
		"/static/generated/notes.txt":   http.StatusBadRequest,
		"/static/generated/.hidden.png": http.StatusBadRequest,
	}
	for target, want := range cases {
		if w := e.do(httptest.NewRequest(http.MethodGet, target, nil)); w.Code != want {
			t.Errorf("GET %s = %d, want %d", target, w.Code, want)
		}
	}
}

func TestAuth(t *testing.T) {
	e := newTestEnv(t, "secret", false)

	if w := e.do(httptest.NewRequest(http.MethodGet, "/gallery", nil)); w.Code != http.StatusUnauthorized {
		t.Errorf("no token status = %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/gallery", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	if w := e.do(req); w.Code != http.StatusUnauthorized {
		t.Errorf("wrong token status = %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/gallery", nil)
	req.Header.Set("Authorization", "Bearer secret")
	if w := e.do(req); w.Code != http.StatusOK {
		t.Errorf("good token status = %d", w.Code)
	}

	if w := e.do(httptest.NewRequest(http.MethodGet, "/gallery?access_token=secret", nil)); w.Code != http.StatusOK {
		t.Errorf("query token on GET status = %d", w.Code)
	}
	req = jsonRequest(http.MethodPost, "/delete_image?access_token=secret", DeleteImageRequest{Filename: "x.png"})
	if w := e.do(req); w.Code != http.StatusUnauthorized {
		t.Errorf("query token on POST status = %d", w.Code)
	}

	// Health and static files stay public.
	if w := e.do(httptest.NewRequest(http.MethodGet, "/health/live", nil)); w.Code != http.StatusOK {
		t.Errorf("health status = %d", w.Code)
	}
	_ = os.WriteFile(filepath.Join(e.dir, "pub.png"), testutil.PNG(t, 1, 1), 0o644)
	if w := e.do(httptest.NewRequest(http.MethodGet, "/static/generated/pub.png", nil)); w.Code != http.StatusOK {
		t.Errorf("static status = %d", w.Code)
	}
}
