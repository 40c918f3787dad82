package naoris

import (
	"math/rand"
	"net/http"
)

// extensionOrigin is the browser-extension identity the upstream service
// expects on every call.
const extensionOrigin = "chrome-extension://cpikalnagknmlfhnilhfelifgbollmmp"

// userAgents is a small rotation of current desktop Chrome identities.
var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/122.0.0.0 Safari/537.36",
}

func randomUserAgent() string {
	return userAgents[rand.Intn(len(userAgents))]
}

// applyHeaders sets the fixed browser-profile headers on a request. The
// User-Agent is chosen once per Client so every call from one process run
// presents the same identity.
func applyHeaders(h http.Header, userAgent string) {
	h.Set("Accept", "application/json, text/plain, */*")
	h.Set("Accept-Language", "id-ID,id;q=0.9,en-US;q=0.8,en;q=0.7")
	h.Set("Origin", extensionOrigin)
	h.Set("Sec-Fetch-Dest", "empty")
	h.Set("Sec-Fetch-Mode", "cors")
	h.Set("Sec-Fetch-Site", "none")
	h.Set("User-Agent", userAgent)
}
