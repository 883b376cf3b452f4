package server

import (
	"fmt"
	"net/http"
)

// maxRequestBody caps control payloads relayed to the backend.
const maxRequestBody int64 = 1 << 20

// limitRequestBody caps POST bodies at maxRequestBody. A declared length
// over the cap is refused here; unannounced or chunked bodies are cut off
// by MaxBytesReader and the relay answers 413 when it hits the cap.
func limitRequestBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			next.ServeHTTP(w, r)
			return
		}
		if r.ContentLength > maxRequestBody {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "request_too_large",
				fmt.Sprintf("request body too large (limit %d bytes)", maxRequestBody))
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
		next.ServeHTTP(w, r)
	})
}
