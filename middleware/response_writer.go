package middleware

import (
	"net/http"
)

// ResponseWriter records what a handler of the chain answered.
type ResponseWriter interface {
	http.ResponseWriter
	Status() int
	Size() int
	Written() bool
	Reset(http.ResponseWriter)
}

type responseWriter struct {
	http.ResponseWriter
	status int
	size   int
	wrote  bool
}

var _ ResponseWriter = &responseWriter{}

func (w *responseWriter) Reset(rw http.ResponseWriter) {
	w.ResponseWriter = rw
	w.status = http.StatusOK
	w.size = 0
	w.wrote = false
}

func (w *responseWriter) WriteHeader(status int) {
	if w.wrote {
		return
	}

	w.status = status
	w.wrote = true
	w.ResponseWriter.WriteHeader(status)
}

func (w *responseWriter) Write(b []byte) (int, error) {
	if !w.wrote {
		w.WriteHeader(http.StatusOK)
	}

	n, err := w.ResponseWriter.Write(b)
	w.size += n
	return n, err
}

func (w *responseWriter) Status() int { return w.status }

func (w *responseWriter) Size() int { return w.size }

func (w *responseWriter) Written() bool { return w.wrote }

// (*responseWriter).Unwrap lets http.ResponseController reach the connection writer.
func (w *responseWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
