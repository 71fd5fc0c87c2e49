package identity

import "net/http"

const (
	acceptJSON     = "application/json, text/plain, */*"
	acceptHTML     = "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"
	langItalian    = "it-IT,it;q=0.9,en-US;q=0.8,en;q=0.7"
	langItalianAlt = "it,en-US;q=0.7,en;q=0.3"
	langEnglish    = "en-US,en;q=0.9,it;q=0.8"
)

type browserSpec struct {
	name     string
	ua       string
	accept   string
	language string
	dnt      bool
}

var browsers = []browserSpec{
	{"chrome-120-macos", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36", acceptJSON, langItalian, true},
	{"chrome-119-macos", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/119.0.0.0 Safari/537.36", acceptHTML, langEnglish, false},
	{"chrome-120-windows", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36", acceptJSON, langItalian, true},
	{"chrome-119-windows", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/119.0.0.0 Safari/537.36", acceptHTML, langItalian, false},
	{"firefox-121-macos", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10.15; rv:121.0) Gecko/20100101 Firefox/121.0", acceptJSON, langItalianAlt, true},
	{"firefox-120-macos", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10.15; rv:120.0) Gecko/20100101 Firefox/120.0", acceptHTML, langItalianAlt, true},
	{"firefox-121-windows", "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:121.0) Gecko/20100101 Firefox/121.0", acceptJSON, langItalianAlt, false},
	{"firefox-120-windows", "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:120.0) Gecko/20100101 Firefox/120.0", acceptHTML, langEnglish, true},
	{"safari-17.1-macos", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Safari/605.1.15", acceptHTML, langItalian, false},
	{"safari-17.0-macos", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Safari/605.1.15", acceptJSON, langEnglish, false},
	{"edge-120-windows", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36 Edg/120.0.0.0", acceptJSON, langItalian, true},
}

// DefaultProfiles returns the built-in desktop browser profiles.
// Accept-Encoding is left to the transport so bodies are decoded transparently.
func DefaultProfiles() []Profile {
	out := make([]Profile, 0, len(browsers))
	for _, b := range browsers {
		h := http.Header{}
		h.Set("Accept", b.accept)
		h.Set("Accept-Language", b.language)
		if b.dnt {
			h.Set("DNT", "1")
		}
		h.Set("Sec-Fetch-Dest", "empty")
		h.Set("Sec-Fetch-Mode", "cors")
		h.Set("Sec-Fetch-Site", "same-origin")
		if b.accept == acceptHTML {
			h.Set("Sec-Fetch-Dest", "document")
			h.Set("Sec-Fetch-Mode", "navigate")
			h.Set("Sec-Fetch-Site", "none")
			h.Set("Upgrade-Insecure-Requests", "1")
		}
		out = append(out, Profile{Name: b.name, UserAgent: b.ua, Headers: h})
	}
	return out
}
