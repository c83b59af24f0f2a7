// Package pngmeta reads and writes a JSON settings payload stored in PNG
// tEXt chunks.
//
// The PNG chunk layout is described at https://www.w3.org/TR/PNG/#5Chunk-layout.
// Reading is lenient: CRCs are not verified and every failure is reported
// as "no metadata". Writing produces a well-formed file with correct CRCs.
package pngmeta

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"hash/crc32"
	"log/slog"
	"strings"
)

// DefaultKey is the tEXt keyword under which generation settings are stored.
const DefaultKey = "sdvn_meta"

const (
	pngHeader = "\x89PNG\r\n\x1a\n"

	// length + type + crc
	chunkOverhead = 12

	typeText = "tEXt"
	typeIHDR = "IHDR"
)

var (
	ErrNotPNG     = errors.New("pngmeta: not a PNG file")
	ErrTruncated  = errors.New("pngmeta: truncated chunk stream")
	ErrInvalidKey = errors.New("pngmeta: keyword must be 1-79 bytes without NUL")
)

// Chunk describes one chunk header found in a PNG stream.
type Chunk struct {
	Type   string `json:"type"`
	Length uint32 `json:"length"`
	Offset int    `json:"offset"`
}

// Decode returns the JSON value stored in the first tEXt chunk whose keyword
// equals key, or nil when data is not a PNG, the chunk is missing, the chunk
// stream is malformed or the payload is not valid JSON. An empty key means
// DefaultKey. Decode never panics.
func Decode(data []byte, key string) (v any) {
	raw, ok := find(data, key)
	if !ok {
		return nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		slog.Debug("pngmeta: invalid metadata JSON", slog.String("error", err.Error()))
		return nil
	}
	return v
}

// DecodeInto unmarshals the first matching tEXt payload into v. It reports
// false under the same conditions in which Decode returns nil.
func DecodeInto(data []byte, key string, v any) bool {
	raw, ok := find(data, key)
	if !ok {
		return false
	}
	if err := json.Unmarshal(raw, v); err != nil {
		slog.Debug("pngmeta: invalid metadata JSON", slog.String("error", err.Error()))
		return false
	}
	return true
}

// find scans the chunk stream and returns the raw value of the first tEXt
// chunk keyed by key. The scan stops at the first matching chunk whether or
// not its value turns out to be usable.
func find(data []byte, key string) (value []byte, found bool) {
	defer func() {
		if r := recover(); r != nil {
			value, found = nil, false
		}
	}()

	if key == "" {
		key = DefaultKey
	}
	if len(data) < len(pngHeader) || string(data[:len(pngHeader)]) != pngHeader {
		return nil, false
	}

	offset := len(pngHeader)
	for offset+chunkOverhead <= len(data) {
		length := int(binary.BigEndian.Uint32(data[offset : offset+4]))
		typ := string(data[offset+4 : offset+8])
		start := offset + 8
		end := start + length
		if length < 0 || end > len(data) {
			return nil, false
		}
		offset = end + 4

		if typ != typeText {
			continue
		}
		chunkKey, chunkValue, ok := splitText(data[start:end])
		if !ok || chunkKey != key {
			continue
		}
		return []byte(chunkValue), true
	}
	return nil, false
}

// splitText decodes a tEXt payload as UTF-8 and splits it at the first NUL.
func splitText(payload []byte) (key, value string, ok bool) {
	text := strings.ToValidUTF8(string(payload), "\uFFFD")
	i := strings.IndexByte(text, 0)
	if i < 0 {
		return "", "", false
	}
	return text[:i], text[i+1:], true
}

// Chunks lists the chunk headers of a PNG stream in file order.
func Chunks(data []byte) ([]Chunk, error) {
	if len(data) < len(pngHeader) || string(data[:len(pngHeader)]) != pngHeader {
		return nil, ErrNotPNG
	}
	var out []Chunk
	offset := len(pngHeader)
	for offset < len(data) {
		if offset+chunkOverhead > len(data) {
			return out, ErrTruncated
		}
		length := binary.BigEndian.Uint32(data[offset : offset+4])
		end := offset + chunkOverhead + int(length)
		if end > len(data) {
			return out, ErrTruncated
		}
		out = append(out, Chunk{
			Type:   string(data[offset+4 : offset+8]),
			Length: length,
			Offset: offset,
		})
		offset = end
	}
	return out, nil
}

// Encode returns a copy of data with value stored as JSON in a tEXt chunk
// keyed by key, placed directly after IHDR. Existing tEXt chunks with the
// same keyword are dropped. An empty key means DefaultKey.
func Encode(data []byte, key string, value any) ([]byte, error) {
	if key == "" {
		key = DefaultKey
	}
	if len(key) > 79 || strings.IndexByte(key, 0) >= 0 {
		return nil, ErrInvalidKey
	}
	chunks, err := Chunks(data)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 || chunks[0].Type != typeIHDR {
		return nil, ErrTruncated
	}

	payload, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	text := make([]byte, 0, len(key)+1+len(payload))
	text = append(text, key...)
	text = append(text, 0)
	text = append(text, payload...)

	var buf bytes.Buffer
	buf.Grow(len(data) + len(text) + chunkOverhead)
	buf.WriteString(pngHeader)
	for i, c := range chunks {
		raw := data[c.Offset : c.Offset+chunkOverhead+int(c.Length)]
		if c.Type == typeText {
			if k, _, ok := splitText(raw[8 : 8+c.Length]); ok && k == key {
				continue
			}
		}
		buf.Write(raw)
		if i == 0 {
			writeChunk(&buf, typeText, text)
		}
	}
	return buf.Bytes(), nil
}

func writeChunk(buf *bytes.Buffer, typ string, payload []byte) {
	var hdr [8]byte
	binary.BigEndian.PutUint32(hdr[:4], uint32(len(payload)))
	copy(hdr[4:], typ)
	buf.Write(hdr[:])
	buf.Write(payload)

	crc := crc32.NewIEEE()
	crc.Write(hdr[4:])
	crc.Write(payload)
	var sum [4]byte
	binary.BigEndian.PutUint32(sum[:], crc.Sum32())
	buf.Write(sum[:])
}
