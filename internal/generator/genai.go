package generator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/genai"
)

const DefaultModel = "gemini-3-pro-image-preview"

// GenAI generates images through the Gemini API. A client is created per
// request because the API key may differ between requests.
type GenAI struct {
	model   string
	timeout time.Duration
	logger  *slog.Logger
}

// NewGenAI creates a Gemini image generator. An empty model selects
// DefaultModel; a zero timeout means none.
func NewGenAI(model string, timeout time.Duration, logger *slog.Logger) *GenAI {
	if model == "" {
		model = DefaultModel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GenAI{model: model, timeout: timeout, logger: logger}
}

// Model implements Generator.
func (g *GenAI) Model() string { return g.model }

// Generate implements Generator.
func (g *GenAI) Generate(ctx context.Context, req Request) (*Result, error) {
	if req.APIKey == "" {
		return nil, fmt.Errorf("generator: API key is required")
	}
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  req.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	start := time.Now()
	resp, err := client.Models.GenerateContent(ctx, g.model, buildContents(req), buildConfig(req))
	if err != nil {
		return nil, fmt.Errorf("GenAI generate failed: %w", err)
	}

	res, err := firstImage(resp)
	if err != nil {
		return nil, err
	}
	g.logger.Info("generator: image generated",
		slog.String("model", g.model),
		slog.Int("references", len(req.References)),
		slog.Int("bytes", len(res.Data)),
		slog.Duration("elapsed", time.Since(start)))
	return res, nil
}

// buildContents puts the prompt first, followed by every reference image.
func buildContents(req Request) []*genai.Content {
	parts := make([]*genai.Part, 0, len(req.References)+1)
	parts = append(parts, genai.NewPartFromText(req.Prompt))
	for _, ref := range req.References {
		parts = append(parts, genai.NewPartFromBytes(ref.Data, ref.MIMEType))
	}
	return []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}
}

func buildConfig(req Request) *genai.GenerateContentConfig {
	img := &genai.ImageConfig{ImageSize: req.Resolution}
	if req.AspectRatio != "" && req.AspectRatio != "Auto" {
		img.AspectRatio = req.AspectRatio
	}
	return &genai.GenerateContentConfig{
		ResponseModalities: []string{"IMAGE"},
		ImageConfig:        img,
	}
}

func firstImage(resp *genai.GenerateContentResponse) (*Result, error) {
	if resp == nil {
		return nil, ErrNoImage
	}
	for _, cand := range resp.Candidates {
		if cand == nil || cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if part == nil || part.InlineData == nil || len(part.InlineData.Data) == 0 {
				continue
			}
			mt := part.InlineData.MIMEType
			if mt == "" {
				mt = "image/png"
			}
			return &Result{Data: part.InlineData.Data, MIMEType: mt}, nil
		}
	}
	return nil, ErrNoImage
}
