// Package macromicro scrapes chart data from en.macromicro.me.
//
// MacroMicro fronts its data API with Cloudflare bot mitigation and an
// in-page session token (window.App.stk), so getting at the JSON takes
// two steps: drive a real browser to the chart page to pick up the
// token and cookie jar, then replay those credentials on a direct GET
// to the data endpoint through a client that can pass the Cloudflare
// JavaScript challenge. The request headers on the second step have to
// match the browser session from the first one, the server fingerprints
// mismatches.
package macromicro

import (
	"errors"
	"strings"

	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("scrapers/macromicro")

var ErrHarvestFailed = errors.New("credential harvesting failed")
var ErrFetchFailed = errors.New("chart data fetch failed")

// Cookie is one browser cookie captured during harvesting.
type Cookie struct {
	Name   string
	Value  string
	Domain string
	Path   string
}

// Credentials is the ephemeral authorization material for a single
// run: the App.stk bearer token plus the cookie jar of the browser
// session it came from. It is never persisted.
type Credentials struct {
	Token   string
	Cookies []Cookie
}

// CookieHeader serializes the jar into a Cookie header value.
func (c Credentials) CookieHeader() string {
	pairs := make([]string, len(c.Cookies))
	for i, cookie := range c.Cookies {
		pairs[i] = cookie.Name + "=" + cookie.Value
	}
	return strings.Join(pairs, "; ")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
