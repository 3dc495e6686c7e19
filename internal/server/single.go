package server

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"
)

const httpShutdownTimeout = 5 * time.Second

// bufferedResponse captures a handler's response so the single-request
// mode can frame it onto a raw stream.
type bufferedResponse struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newBufferedResponse() *bufferedResponse {
	return &bufferedResponse{header: make(http.Header)}
}

func (b *bufferedResponse) Header() http.Header { return b.header }

func (b *bufferedResponse) WriteHeader(status int) {
	if b.status == 0 {
		b.status = status
	}
}

func (b *bufferedResponse) Write(p []byte) (int, error) {
	if b.status == 0 {
		b.status = http.StatusOK
	}
	return b.body.Write(p)
}

// writeTo frames the captured response as HTTP/1.1 with an explicit
// Content-Length and Connection: close.
func (b *bufferedResponse) writeTo(out io.Writer, req *http.Request) error {
	if b.status == 0 {
		b.status = http.StatusOK
	}
	if _, err := fmt.Fprintf(out, "HTTP/1.1 %d %s\r\n", b.status, http.StatusText(b.status)); err != nil {
		return err
	}

	b.header.Set("Content-Length", fmt.Sprintf("%d", b.body.Len()))
	b.header.Set("Connection", "close")

	keys := make([]string, 0, len(b.header))
	for k := range b.header {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range b.header[k] {
			if _, err := fmt.Fprintf(out, "%s: %s\r\n", k, v); err != nil {
				return err
			}
		}
	}
	if _, err := io.WriteString(out, "\r\n"); err != nil {
		return err
	}
	if req.Method == http.MethodHead {
		return nil
	}
	_, err := out.Write(b.body.Bytes())
	return err
}
