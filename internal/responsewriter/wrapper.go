// Package responsewriter wraps http.ResponseWriter to record the status and
// body size of a response while preserving Flusher, Hijacker and ReaderFrom.
package responsewriter

import (
	"bufio"
	"io"
	"net"
	"net/http"
)

// Recorder remembers what was sent through the wrapped writer.
type Recorder struct {
	http.ResponseWriter
	status      int
	bytes       int64
	wroteHeader bool
}

// NewRecorder wraps w. Status reports 200 until a header is written.
func NewRecorder(w http.ResponseWriter) *Recorder {
	return &Recorder{ResponseWriter: w, status: http.StatusOK}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *Recorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Status is the status code the response carried.
func (r *Recorder) Status() int {
	return r.status
}

// BytesWritten counts body bytes successfully handed to the connection.
func (r *Recorder) BytesWritten() int64 {
	return r.bytes
}

// WroteHeader reports whether the response header went out.
func (r *Recorder) WroteHeader() bool {
	return r.wroteHeader
}

func (r *Recorder) WriteHeader(code int) {
	// 1xx responses are interim, the final status follows
	if !r.wroteHeader && code >= http.StatusOK {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *Recorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	n, err := r.ResponseWriter.Write(b)
	r.bytes += int64(n)
	return n, err
}

// ReadFrom keeps sendfile available to http.ServeContent behind the wrapper.
func (r *Recorder) ReadFrom(src io.Reader) (int64, error) {
	r.wroteHeader = true
	var n int64
	var err error
	if rf, ok := r.ResponseWriter.(io.ReaderFrom); ok {
		n, err = rf.ReadFrom(src)
	} else {
		n, err = io.Copy(writerOnly{r.ResponseWriter}, src)
	}
	r.bytes += n
	return n, err
}

// Flush implements http.Flusher if the underlying ResponseWriter supports it
func (r *Recorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		r.wroteHeader = true
		flusher.Flush()
	}
}

// Hijack implements http.Hijacker, needed for websocket upgrades.
func (r *Recorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return hijacker.Hijack()
}

// hides ReadFrom so io.Copy does not recurse into Recorder.ReadFrom
type writerOnly struct {
	io.Writer
}

var (
	_ http.Hijacker = (*Recorder)(nil)
	_ http.Flusher  = (*Recorder)(nil)
	_ io.ReaderFrom = (*Recorder)(nil)
)
