// Package parse turns raw document sources into plain text ready for
// chunking. Sources that cannot yield text (binary payloads, unsupported
// formats) fail with validation errors so the queue never retries them.
package parse

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	apperrors "github.com/lodestone-search/lodestone/internal/errors"
)

// Document is the parsed form of a source, ready for chunking.
type Document struct {
	Source   string
	Title    string
	Content  string
	Metadata map[string]string
}

// Parser extracts text from a document source.
type Parser interface {
	Parse(ctx context.Context, source string) (*Document, error)
	Supports(source string) bool
}

// Limits for the local file parser.
const (
	DefaultMaxFileSize  = 10 << 20 // 10 MiB
	DefaultParseTimeout = 30 * time.Second

	// sniffLen is how many leading bytes are inspected for null bytes.
	sniffLen = 512
)

// textExtensions lists the formats the local parser accepts. Everything
// else is rejected up front instead of producing garbage chunks.
var textExtensions = map[string]string{
	".txt":      "text",
	".md":       "markdown",
	".markdown": "markdown",
	".rst":      "text",
	".log":      "text",
	".csv":      "text",
	".json":     "text",
	".yaml":     "text",
	".yml":      "text",
	".toml":     "text",
	".html":     "html",
	".htm":      "html",
	".xml":      "text",
}

// FileParser reads local text and markdown files from disk.
type FileParser struct {
	maxFileSize int64
	timeout     time.Duration
}

var _ Parser = (*FileParser)(nil)

// FileParserOption configures a FileParser.
type FileParserOption func(*FileParser)

// WithMaxFileSize overrides the file size cap.
func WithMaxFileSize(n int64) FileParserOption {
	return func(p *FileParser) { p.maxFileSize = n }
}

// WithTimeout overrides the per-call parse timeout.
func WithTimeout(d time.Duration) FileParserOption {
	return func(p *FileParser) { p.timeout = d }
}

// NewFileParser creates a parser for local text files.
func NewFileParser(opts ...FileParserOption) *FileParser {
	p := &FileParser{
		maxFileSize: DefaultMaxFileSize,
		timeout:     DefaultParseTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Supports reports whether the source extension is a known text format.
func (p *FileParser) Supports(source string) bool {
	_, ok := textExtensions[strings.ToLower(filepath.Ext(source))]
	return ok
}

// Parse reads the source file and returns its text content. The call is
// bounded by the configured timeout.
func (p *FileParser) Parse(ctx context.Context, source string) (*Document, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	format, ok := textExtensions[strings.ToLower(filepath.Ext(source))]
	if !ok {
		return nil, apperrors.New(apperrors.ErrCodeUnsupportedSource,
			fmt.Sprintf("unsupported format: %s", filepath.Ext(source)), nil)
	}

	info, err := os.Stat(source)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.New(apperrors.ErrCodeFileNotFound, "source not found: "+source, err)
		}
		return nil, apperrors.New(apperrors.ErrCodeFileUnreadable, "stat failed: "+source, err)
	}
	if info.IsDir() {
		return nil, apperrors.New(apperrors.ErrCodeInvalidInput, "source is a directory: "+source, nil)
	}
	if info.Size() > p.maxFileSize {
		return nil, apperrors.New(apperrors.ErrCodeInvalidInput,
			fmt.Sprintf("source exceeds size limit (%d > %d bytes): %s", info.Size(), p.maxFileSize, source), nil)
	}

	if err := ctx.Err(); err != nil {
		return nil, apperrors.New(apperrors.ErrCodeParseTimeout, "parse cancelled: "+source, err)
	}

	f, err := os.Open(source)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeFileUnreadable, "open failed: "+source, err)
	}
	defer func() { _ = f.Close() }()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeFileUnreadable, "read failed: "+source, err)
	}

	if isBinary(data) {
		return nil, apperrors.New(apperrors.ErrCodeUnsupportedSource, "binary content: "+source, nil)
	}
	if !utf8.Valid(data) {
		return nil, apperrors.New(apperrors.ErrCodeUnsupportedSource, "not valid UTF-8: "+source, nil)
	}

	if err := ctx.Err(); err != nil {
		return nil, apperrors.New(apperrors.ErrCodeParseTimeout, "parse cancelled: "+source, err)
	}

	content := normalizeNewlines(string(data))
	doc := &Document{
		Source:  source,
		Title:   titleFor(source, format, content),
		Content: content,
		Metadata: map[string]string{
			"source": source,
			"format": format,
		},
	}
	return doc, nil
}

// isBinary checks the leading bytes for null bytes.
func isBinary(data []byte) bool {
	n := len(data)
	if n > sniffLen {
		n = sniffLen
	}
	return bytes.Contains(data[:n], []byte{0})
}

// normalizeNewlines converts CRLF and bare CR line endings to LF.
func normalizeNewlines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}

// titleFor derives a document title: the first markdown heading when one
// exists, otherwise the file name.
func titleFor(source, format, content string) string {
	if format == "markdown" {
		for _, line := range strings.Split(content, "\n") {
			line = strings.TrimSpace(line)
			if strings.HasPrefix(line, "# ") {
				return strings.TrimSpace(strings.TrimPrefix(line, "# "))
			}
			if line != "" && !strings.HasPrefix(line, "#") {
				break
			}
		}
	}
	return filepath.Base(source)
}
