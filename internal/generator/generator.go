// Package generator produces images from a prompt and optional reference
// images.
package generator

import (
	"context"
	"errors"
)

// ErrNoImage is returned when the model answers without image data.
var ErrNoImage = errors.New("generator: response contained no image")

// Reference is a reference image passed to the model alongside the prompt.
type Reference struct {
	Name     string
	MIMEType string
	Data     []byte
}

// Request describes one generation. AspectRatio "Auto" or "" lets the model
// choose.
type Request struct {
	Prompt      string
	AspectRatio string
	Resolution  string
	APIKey      string
	References  []Reference
}

// Result is a generated image.
type Result struct {
	Data     []byte
	MIMEType string
}

// Generator renders images.
type Generator interface {
	Generate(ctx context.Context, req Request) (*Result, error)
	// Model names the backing model, recorded in image metadata.
	Model() string
}
