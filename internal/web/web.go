// Package web serves the pages that e-mailed verification and password
// reset links open.
package web

import (
	"embed"
	"io/fs"
	"net/http"
)

//go:embed static
var content embed.FS

// Register mounts GET /verify, GET /reset-pass and the shared assets.
func Register(mux *http.ServeMux) {
	static, err := fs.Sub(content, "static")
	if err != nil {
		panic(err)
	}

	mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServerFS(static)))
	mux.HandleFunc("GET /verify", page(static, "verify.html"))
	mux.HandleFunc("GET /reset-pass", page(static, "reset-pass.html"))
}

func page(static fs.FS, name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Referrer-Policy", "no-referrer")
		http.ServeFileFS(w, r, static, name)
	}
}
