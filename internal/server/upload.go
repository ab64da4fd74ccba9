package server

import (
	"errors"
	"fmt"
	"html"
	"io"
	"mime"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

var errUnsupportedFile = errors.New("unsupported file type")

var textExtensions = map[string]bool{
	".txt": true, ".text": true, ".md": true, ".csv": true, ".tsv": true,
	".log": true, ".json": true, ".yaml": true, ".yml": true, ".xml": true,
}

// extractText reads an uploaded file and returns its plain text. HTML is
// stripped to text; anything not recognizably text is rejected.
func extractText(name, contentType string, r io.Reader, max int64) (string, error) {
	ext := strings.ToLower(filepath.Ext(name))
	mediaType, _, _ := mime.ParseMediaType(contentType)

	isHTML := ext == ".html" || ext == ".htm" || mediaType == "text/html"
	isText := textExtensions[ext] || strings.HasPrefix(mediaType, "text/") || mediaType == "application/json"
	if !isHTML && !isText {
		return "", fmt.Errorf("%w: %s", errUnsupportedFile, displayType(ext, mediaType))
	}

	data, err := io.ReadAll(io.LimitReader(r, max))
	if err != nil {
		return "", fmt.Errorf("reading upload: %w", err)
	}
	if !utf8.Valid(data) {
		return "", fmt.Errorf("%w: file is not UTF-8 text", errUnsupportedFile)
	}
	if isHTML {
		return html.UnescapeString(bluemonday.StrictPolicy().Sanitize(string(data))), nil
	}
	return string(data), nil
}

func displayType(ext, mediaType string) string {
	if mediaType != "" {
		return mediaType
	}
	if ext != "" {
		return ext
	}
	return "unknown"
}
