package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/starford/imagestudio/internal/generator"
	"github.com/starford/imagestudio/internal/refslots"
	"github.com/starford/imagestudio/internal/storage"
	"github.com/starford/imagestudio/internal/studio"
	"github.com/starford/imagestudio/internal/testutil"
)

func testServer(t *testing.T) (*Server, storage.Provider) {
	t.Helper()
	_, store := testutil.TestGallery(t)
	svc := studio.NewService(store, testutil.TestDB(t), generator.Placeholder{}, studio.Options{}, testutil.Logger())
	return New(svc), store
}

func callTool(t *testing.T, srv *Server, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	ctx := context.Background()
	req := mcp.CallToolRequest{}
	req.Method = "tools/call"
	req.Params.Name = name
	req.Params.Arguments = args

	handlers := map[string]func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error){
		"generate_image":      srv.generateImage,
		"list_gallery":        srv.listGallery,
		"read_image_metadata": srv.readImageMetadata,
		"delete_image":        srv.deleteImage,
		"import_image":        srv.importImage,
		"get_metadata_format": srv.getMetadataFormat,
	}
	h, ok := handlers[name]
	if !ok {
		t.Fatalf("unknown tool: %s", name)
	}
	result, err := h(ctx, req)
	if err != nil {
		t.Fatalf("tool %s error: %v", name, err)
	}
	return result
}

func resultText(r *mcp.CallToolResult) string {
	if len(r.Content) > 0 {
		if tc, ok := r.Content[0].(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

func TestGenerateListAndReadMetadata(t *testing.T) {
	srv, _ := testServer(t)

	r := callTool(t, srv, "generate_image", map[string]any{
		"prompt":       "a quiet harbour",
		"aspect_ratio": "4:3",
	})
	if r.IsError {
		t.Fatalf("generate error: %s", resultText(r))
	}
	var gen generateResult
	if err := json.Unmarshal([]byte(resultText(r)), &gen); err != nil {
		t.Fatal(err)
	}

	r = callTool(t, srv, "list_gallery", map[string]any{})
	if resultText(r) != gen.URL {
		t.Errorf("list = %q, want %q", resultText(r), gen.URL)
	}

	r = callTool(t, srv, "list_gallery", map[string]any{"query": "nothing-matches"})
	if resultText(r) != "gallery is empty" {
		t.Errorf("filtered list = %q", resultText(r))
	}

	r = callTool(t, srv, "read_image_metadata", map[string]any{"name": gen.URL})
	text := resultText(r)
	if r.IsError || !strings.Contains(text, `"prompt": "a quiet harbour"`) || !strings.Contains(text, `"aspect_ratio": "4:3"`) {
		t.Errorf("metadata = %q", text)
	}
}

func TestGenerateRequiresPrompt(t *testing.T) {
	srv, _ := testServer(t)
	if r := callTool(t, srv, "generate_image", map[string]any{}); !r.IsError {
		t.Error("expected error without prompt")
	}
}

func TestReadMetadataMissing(t *testing.T) {
	srv, store := testServer(t)
	if r := callTool(t, srv, "read_image_metadata", map[string]any{"name": "nope.png"}); !r.IsError {
		t.Error("expected error for missing image")
	}
	_ = store.Write("plain.png", testutil.PNG(t, 1, 1))
	r := callTool(t, srv, "read_image_metadata", map[string]any{"name": "plain.png"})
	if resultText(r) != "no generation metadata" {
		t.Errorf("plain = %q", resultText(r))
	}
}

func TestDeleteImage(t *testing.T) {
	srv, store := testServer(t)
	_ = store.Write("gone.png", testutil.PNG(t, 1, 1))

	r := callTool(t, srv, "delete_image", map[string]any{"name": "/static/generated/gone.png"})
	if r.IsError || resultText(r) != "deleted: gone.png" {
		t.Errorf("delete = %q", resultText(r))
	}
	if r := callTool(t, srv, "delete_image", map[string]any{"name": "gone.png"}); !r.IsError {
		t.Error("expected error deleting twice")
	}
}

func TestImportImage_DataURL(t *testing.T) {
	srv, store := testServer(t)
	dataURL := refslots.EncodeDataURL("image/png", testutil.PNG(t, 2, 2))

	r := callTool(t, srv, "import_image", map[string]any{"url": dataURL})
	if r.IsError {
		t.Fatalf("import error: %s", resultText(r))
	}
	var res importResult
	_ = json.Unmarshal([]byte(resultText(r)), &res)
	if _, err := store.Read(res.Name); err != nil {
		t.Errorf("imported file missing: %v", err)
	}

	r = callTool(t, srv, "import_image", map[string]any{"url": "data:text/plain;base64,aGVsbG8="})
	if !r.IsError {
		t.Error("expected error for non-image data")
	}
}

func TestImportImage_HTTP(t *testing.T) {
	srv, _ := testServer(t)
	png := testutil.PNG(t, 1, 1)
	srv.fetch = func(_ context.Context, rawURL string) ([]byte, error) {
		if rawURL == "https://images.example/cat.png" {
			return png, nil
		}
		return nil, errors.New("download failed: HTTP 404")
	}

	if r := callTool(t, srv, "import_image", map[string]any{"url": "https://images.example/cat.png"}); r.IsError {
		t.Errorf("import error: %s", resultText(r))
	}
	if r := callTool(t, srv, "import_image", map[string]any{"url": "https://images.example/missing.png"}); !r.IsError {
		t.Error("expected download error")
	}
}

func TestFetchHTTP_BlockedHosts(t *testing.T) {
	for _, u := range []string{
		"http://127.0.0.1/x.png",
		"http://169.254.169.254/latest",
		"http://metadata.google.internal/",
		"ftp://example.com/x.png",
	} {
		if _, err := fetchHTTP(context.Background(), u); err == nil {
			t.Errorf("fetchHTTP(%q) should fail", u)
		}
	}
}

func TestMetadataFormat(t *testing.T) {
	srv, _ := testServer(t)
	r := callTool(t, srv, "get_metadata_format", nil)
	if !strings.Contains(resultText(r), "sdvn_meta") {
		t.Error("format text missing keyword")
	}
	contents, err := srv.readMetadataFormatResource(context.Background(), mcp.ReadResourceRequest{})
	if err != nil || len(contents) != 1 {
		t.Fatalf("resource = %v, %v", contents, err)
	}
}
