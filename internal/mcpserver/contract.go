package mcpserver

// MetadataFormat describes the generation settings record embedded in every
// generated PNG.
const MetadataFormat = `# Image Metadata Format

Every PNG produced by the studio carries its generation settings in a
` + "`tEXt`" + ` chunk with the keyword ` + "`sdvn_meta`" + `. The chunk text is a UTF-8
JSON object:

` + "```" + `json
{
  "prompt": "a lighthouse in a violet storm",
  "aspect_ratio": "16:9",
  "resolution": "2K",
  "model": "gemini-3-pro-image-preview",
  "reference_image_paths": ["/static/generated/3f0c.png", ""],
  "created_at": "2026-10-19T08:30:00Z"
}
` + "```" + `

## Fields

- ` + "`prompt`" + ` (string, required): the text prompt.
- ` + "`aspect_ratio`" + ` (string): ` + "`Auto`" + ` or ` + "`W:H`" + `. Omitted when unset.
- ` + "`resolution`" + ` (string): ` + "`1K`" + `, ` + "`2K`" + ` or ` + "`4K`" + `.
- ` + "`model`" + ` (string): the model that rendered the image.
- ` + "`reference_image_paths`" + ` (array): one entry per reference slot in
  order. A gallery URL path for images picked from the gallery, ` + "`\"\"`" + ` or
  ` + "`null`" + ` for images uploaded from disk.
- ` + "`created_at`" + ` (RFC 3339 timestamp, UTC).

## Rules

1. Only the first ` + "`sdvn_meta`" + ` chunk counts.
2. A missing chunk or invalid JSON means "no metadata"; readers never fail.
3. Recalling an image restores prompt, aspect ratio and resolution, then
   loads each non-empty reference path back into its slot; slots with
   empty entries, and slots past the end of the array, are cleared.
4. Non-PNG gallery images (JPEG, WebP) carry no metadata.
`
