package webserver

import (
	"embed"
	"io/fs"
	"net/http"
)

// The embedded page is a bare event viewer for checking the bridge by hand.
//
//go:embed static
var staticFS embed.FS

func staticFiles() http.FileSystem {
	sub, err := fs.Sub(staticFS, "static")
	if err != nil {
		panic(err)
	}
	return http.FS(sub)
}
