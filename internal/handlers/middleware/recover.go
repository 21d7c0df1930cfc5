package middleware

import (
	"net/http"

	"github.com/nkiryanov/gopherauth/internal/handlers/render"
)

// Turn handler panic into 500 response
// If the handler already started the response it is left as is, only the panic is logged
func Recover(l errorLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			lw := &logWriter{ResponseWriter: w}

			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				l.Error("Panic while serving request", "panic", rec, "method", r.Method, "uri", r.RequestURI, "response_started", lw.wroteHeader)
				if !lw.wroteHeader {
					render.Error(w, render.ServerErrorType, "Server error.", http.StatusInternalServerError)
				}
			}()

			next.ServeHTTP(lw, r)
		})
	}
}
