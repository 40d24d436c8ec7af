package proxy

import (
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// shouldCompress reports whether an upstream response may be gzipped for
// the client.
func shouldCompress(req *http.Request, resp *http.Response) bool {
	if req.Method == http.MethodHead || resp.StatusCode == http.StatusSwitchingProtocols ||
		resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusNotModified {
		return false
	}
	if resp.Header.Get("Content-Encoding") != "" {
		return false
	}
	if !acceptsGzip(req.Header.Get("Accept-Encoding")) {
		return false
	}
	return isTextual(resp.Header.Get("Content-Type"))
}

func acceptsGzip(header string) bool {
	for _, part := range strings.Split(header, ",") {
		coding, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		if !strings.EqualFold(strings.TrimSpace(coding), "gzip") {
			continue
		}
		return strings.ReplaceAll(strings.TrimSpace(params), " ", "") != "q=0"
	}
	return false
}

func isTextual(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	switch {
	case mediaType == "text/event-stream":
		return false
	case strings.HasPrefix(mediaType, "text/"):
		return true
	case strings.HasSuffix(mediaType, "+json"), strings.HasSuffix(mediaType, "+xml"):
		return true
	}
	switch mediaType {
	case "application/json", "application/javascript", "application/x-javascript",
		"application/xml", "image/svg+xml", "application/manifest+json":
		return true
	}
	return false
}

// compressResponse swaps resp.Body for a gzip stream of itself.
func compressResponse(resp *http.Response) {
	resp.Header.Set("Content-Encoding", "gzip")
	resp.Header.Del("Content-Length")
	resp.Header.Add("Vary", "Accept-Encoding")
	resp.ContentLength = -1
	resp.Body = newGzipBody(resp.Body)
}

type gzipBody struct {
	pr  *io.PipeReader
	src io.ReadCloser
}

func newGzipBody(src io.ReadCloser) *gzipBody {
	pr, pw := io.Pipe()
	go func() {
		zw := gzip.NewWriter(pw)
		_, err := io.Copy(zw, src)
		if cerr := zw.Close(); err == nil {
			err = cerr
		}
		_ = pw.CloseWithError(err)
	}()
	return &gzipBody{pr: pr, src: src}
}

func (b *gzipBody) Read(p []byte) (int, error) {
	return b.pr.Read(p)
}

func (b *gzipBody) Close() error {
	_ = b.pr.Close()
	return b.src.Close()
}
