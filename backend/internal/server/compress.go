// Response compression middleware for API endpoints.
//
// Compresses responses using zstd, brotli, or gzip at fast compression
// levels. SSE streams are compressed with per-event flushing to preserve
// real-time delivery. Skips responses that already have a Content-Encoding
// (precompressed static files).
package server

import (
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/net/http/httpguts"
)

// compressMiddleware returns a handler that compresses responses based on
// the client's Accept-Encoding header.
func compressMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		accepted := parseAcceptEncoding(r.Header.Get("Accept-Encoding"))
		enc := negotiateEncoding(accepted)
		if enc == "" {
			next.ServeHTTP(w, r)
			return
		}

		cw := &compressWriter{
			ResponseWriter: w,
			encoding:       enc,
		}
		defer cw.finish()
		next.ServeHTTP(cw, r)
	})
}

// parseAcceptEncoding splits an Accept-Encoding header into the set of
// tokens the client accepts, validating each as an HTTP token.
func parseAcceptEncoding(header string) map[string]bool {
	accepted := make(map[string]bool)
	for _, part := range strings.Split(header, ",") {
		tok := strings.TrimSpace(part)
		if i := strings.IndexByte(tok, ';'); i >= 0 {
			tok = strings.TrimSpace(tok[:i])
		}
		if tok == "" || !httpguts.HeaderValueContainsToken(tok, tok) {
			continue
		}
		accepted[strings.ToLower(tok)] = true
	}
	return accepted
}

// negotiateEncoding picks the best encoding the client accepts.
func negotiateEncoding(accepted map[string]bool) string {
	for _, enc := range []string{"zstd", "br", "gzip"} {
		if accepted[enc] {
			return enc
		}
	}
	return ""
}

// compressWriter wraps http.ResponseWriter to compress the response body.
type compressWriter struct {
	http.ResponseWriter
	encoding     string
	writer       io.WriteCloser
	headerSent   bool
	skipCompress bool
}

func (cw *compressWriter) WriteHeader(code int) {
	cw.initOnce()
	cw.ResponseWriter.WriteHeader(code)
}

func (cw *compressWriter) Write(b []byte) (int, error) {
	cw.initOnce()
	if cw.skipCompress {
		return cw.ResponseWriter.Write(b)
	}
	return cw.writer.Write(b)
}

// initOnce inspects response headers to decide whether to compress.
// Called once before the first Write or WriteHeader.
func (cw *compressWriter) initOnce() {
	if cw.headerSent {
		return
	}
	cw.headerSent = true

	h := cw.Header()

	// Skip if the handler already set Content-Encoding (precompressed static).
	if h.Get("Content-Encoding") != "" {
		cw.skipCompress = true
		return
	}

	// Compressed size differs from original; remove Content-Length.
	h.Del("Content-Length")
	h.Set("Content-Encoding", cw.encoding)
	h.Add("Vary", "Accept-Encoding")

	switch cw.encoding {
	case "zstd":
		enc, _ := zstd.NewWriter(cw.ResponseWriter, zstd.WithEncoderLevel(zstd.SpeedFastest))
		cw.writer = enc
	case "br":
		cw.writer = brotli.NewWriterLevel(cw.ResponseWriter, 1)
	case "gzip":
		gz, _ := gzip.NewWriterLevel(cw.ResponseWriter, gzip.BestSpeed)
		cw.writer = gz
	}
}

// finish flushes and closes the compressor.
func (cw *compressWriter) finish() {
	if cw.writer == nil {
		return
	}
	_ = cw.writer.Close()
}

// Flush flushes compressed data to the wire. When compression is active,
// the compressor is flushed first to emit buffered compressed bytes.
func (cw *compressWriter) Flush() {
	if cw.writer != nil {
		if f, ok := cw.writer.(interface{ Flush() error }); ok {
			_ = f.Flush()
		}
	}
	if f, ok := cw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap returns the underlying ResponseWriter for http.ResponseController.
func (cw *compressWriter) Unwrap() http.ResponseWriter {
	return cw.ResponseWriter
}
