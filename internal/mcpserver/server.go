// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes image studio tools for LLM integration via stdio transport.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/imagestudio/internal/apperr"
	"github.com/starford/imagestudio/internal/studio"
)

const metadataFormatURI = "imagestudio://metadata-format"

// Server wraps the MCP server with image studio tools.
type Server struct {
	mcp   *server.MCPServer
	svc   *studio.Service
	fetch func(ctx context.Context, rawURL string) ([]byte, error)
}

// New creates a new MCP server with all tools registered.
func New(svc *studio.Service) *Server {
	s := &Server{svc: svc, fetch: fetchHTTP}

	s.mcp = server.NewMCPServer(
		"Image Studio",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("generate_image",
		mcp.WithDescription("Generate an image from a text prompt and save it to the gallery. "+
			"Returns the gallery URL; the generation settings are embedded in the PNG "+
			"(see the "+metadataFormatURI+" resource)."),
		mcp.WithString("prompt", mcp.Required(), mcp.Description("Text prompt describing the image")),
		mcp.WithString("aspect_ratio", mcp.Description("Aspect ratio such as 1:1, 16:9, 9:16, or Auto")),
		mcp.WithString("resolution", mcp.Description("Output size: 1K, 2K or 4K (default 2K)")),
		mcp.WithString("reference_urls", mcp.Description("Comma-separated gallery URLs to use as reference images")),
		mcp.WithString("api_key", mcp.Description("Optional API key overriding the server default")),
	), s.generateImage)

	s.mcp.AddTool(mcp.NewTool("list_gallery",
		mcp.WithDescription("List gallery images newest first, optionally filtered by a prompt search."),
		mcp.WithString("query", mcp.Description("Optional prompt search query")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of results (default all)")),
	), s.listGallery)

	s.mcp.AddTool(mcp.NewTool("read_image_metadata",
		mcp.WithDescription("Read the generation settings embedded in a gallery image."),
		mcp.WithString("name", mcp.Required(), mcp.Description("Gallery file name or URL")),
	), s.readImageMetadata)

	s.mcp.AddTool(mcp.NewTool("delete_image",
		mcp.WithDescription("Delete an image from the gallery."),
		mcp.WithString("name", mcp.Required(), mcp.Description("Gallery file name or URL")),
	), s.deleteImage)

	s.mcp.AddTool(mcp.NewTool("import_image",
		mcp.WithDescription("Import an image into the gallery from an http(s) URL or a base64 data URL "+
			"so it can be used as a reference."),
		mcp.WithString("url", mcp.Required(), mcp.Description("http(s) URL or data:image/...;base64,... URL")),
	), s.importImage)

	s.mcp.AddTool(mcp.NewTool("get_metadata_format",
		mcp.WithDescription("Returns the format of the generation metadata embedded in gallery images."),
	), s.getMetadataFormat)

	s.mcp.AddResource(
		mcp.NewResource(metadataFormatURI, "Image Metadata Format",
			mcp.WithResourceDescription("Layout of the sdvn_meta settings record stored in generated PNGs."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readMetadataFormatResource,
	)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

func optionalString(req mcp.CallToolRequest, key string) string {
	if v, err := req.RequireString(key); err == nil {
		return v
	}
	return ""
}

func toolError(err error) *mcp.CallToolResult {
	if errors.Is(err, apperr.ErrNotFound) {
		return mcp.NewToolResultError("not found")
	}
	return mcp.NewToolResultError(err.Error())
}

type generateResult struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

func (s *Server) generateImage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	prompt, err := req.RequireString("prompt")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var paths []string
	for _, p := range strings.Split(optionalString(req, "reference_urls"), ",") {
		if p = strings.TrimSpace(p); p != "" {
			paths = append(paths, p)
		}
	}

	out, err := s.svc.Generate(ctx, studio.GenerateInput{
		Prompt:         prompt,
		AspectRatio:    optionalString(req, "aspect_ratio"),
		Resolution:     optionalString(req, "resolution"),
		APIKey:         optionalString(req, "api_key"),
		ReferencePaths: paths,
	})
	if err != nil {
		return toolError(err), nil
	}
	b, _ := json.Marshal(generateResult{Name: out.Name, URL: out.URL})
	return mcp.NewToolResultText(string(b)), nil
}

func (s *Server) listGallery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	urls, err := s.svc.Gallery(ctx, optionalString(req, "query"), req.GetInt("limit", 0))
	if err != nil {
		return toolError(err), nil
	}
	if len(urls) == 0 {
		return mcp.NewToolResultText("gallery is empty"), nil
	}
	return mcp.NewToolResultText(strings.Join(urls, "\n")), nil
}

func (s *Server) readImageMetadata(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ref, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	name, err := s.svc.NameFromURL(ref)
	if err != nil {
		return toolError(err), nil
	}
	meta, err := s.svc.Metadata(ctx, name)
	if err != nil {
		return toolError(err), nil
	}
	if meta == nil {
		return mcp.NewToolResultText("no generation metadata"), nil
	}
	out, _ := json.MarshalIndent(meta, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) deleteImage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ref, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	name, err := s.svc.NameFromURL(ref)
	if err != nil {
		return toolError(err), nil
	}
	if err := s.svc.DeleteImage(ctx, name); err != nil {
		return toolError(err), nil
	}
	return mcp.NewToolResultText("deleted: " + name), nil
}

func (s *Server) getMetadataFormat(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(MetadataFormat), nil
}

func (s *Server) readMetadataFormatResource(_ context.Context, _ mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      metadataFormatURI,
			MIMEType: "text/markdown",
			Text:     MetadataFormat,
		},
	}, nil
}
