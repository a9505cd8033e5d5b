package signalr

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// negotiateURLFor derives the HTTP negotiate URL from a socket URL:
// ws/wss is mapped to http/https and "/negotiate" is appended, reusing or
// inserting the trailing slash. The result is idempotent modulo that
// trailing-slash normalization and always uses an http(s) scheme.
func negotiateURLFor(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("signalr: invalid url %q: %w", rawURL, err)
	}

	switch parsed.Scheme {
	case "ws":
		parsed.Scheme = "http"
	case "wss":
		parsed.Scheme = "https"
	}

	suffix := "negotiate"
	if !strings.HasSuffix(parsed.Path, "/") {
		suffix = "/negotiate"
	}
	parsed.Path += suffix

	return parsed.String(), nil
}

// sliceForLog truncates a long debug payload to head+tail so verbose
// handshake/negotiate bodies don't flood logs.
func sliceForLog(b []byte) []byte {
	const maxLen = 300
	if len(b) < maxLen {
		return b
	}
	out := make([]byte, 0, 110)
	out = append(out, b[:99]...)
	out = append(out, []byte(" ... ")...)
	out = append(out, b[len(b)-100:]...)
	return out
}

// insecureHTTPTransport returns an http.RoundTripper with certificate
// verification disabled, used when the builder's WithVerifySSL(false)
// option is set.
func insecureHTTPTransport() http.RoundTripper {
	return &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec
	}
}
