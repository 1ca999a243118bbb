package server

import (
	"bytes"
	"net/http"
)

// captureWriter tees the response body so successful reads can be
// cached after the handler returns.
type captureWriter struct {
	http.ResponseWriter
	status int
	buf    bytes.Buffer
}

func (cw *captureWriter) WriteHeader(code int) {
	if cw.status == 0 {
		cw.status = code
	}
	cw.ResponseWriter.WriteHeader(code)
}

func (cw *captureWriter) Write(b []byte) (int, error) {
	if cw.status == 0 {
		cw.status = http.StatusOK
	}
	cw.buf.Write(b)
	return cw.ResponseWriter.Write(b)
}

// cached serves GET responses from the short-TTL response cache. Only
// 200 responses are stored; mutations invalidate by path prefix.
func (s *Server) cached(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if data, ok := s.deps.Cache.Get(r.URL.Path, r.URL.Query()); ok {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Response-Cache", "hit")
			_, _ = w.Write(data)
			return
		}

		cw := &captureWriter{ResponseWriter: w}
		next(cw, r)

		if cw.status == http.StatusOK {
			s.deps.Cache.Put(r.URL.Path, r.URL.Query(), cw.buf.Bytes())
		}
	}
}
