// internal/app/helpers.go
package app

import (
	"log"
	"strings"
)

// NormalizeLocalViewer ensures the viewer only binds to localhost
// and returns listen addr and browser URL.
func NormalizeLocalViewer(cfgAddr string) (listenAddr string, url string) {
	a := strings.TrimSpace(cfgAddr)

	if strings.HasPrefix(a, ":") {
		a = "127.0.0.1" + a
	}
	if strings.HasPrefix(a, "0.0.0.0:") {
		a = "127.0.0.1:" + strings.TrimPrefix(a, "0.0.0.0:")
	}

	return a, "http://" + a
}

func logBanner(role, dir, cfgPath string) {
	log.Println("────────────────────────────────────────")
	log.Printf("callcore %s", role)
	log.Printf(" Folder      : %s", dir)
	log.Printf(" Config file : %s", cfgPath)
	log.Println("")
	log.Println(" The folder holds this process's config and call log.")
	log.Println(" Different folder = different identity.")
	log.Println("────────────────────────────────────────")
}
