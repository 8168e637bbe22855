package sessionjar

import (
	"net/http"
	"strings"
)

// Transport attaches the jar's cookies to requests that do not go through an
// http.Client (such as a reverse proxy) and stores cookies set by responses.
// Jar cookies replace incoming cookies of the same name.
type Transport struct {
	Base http.RoundTripper
	Jar  http.CookieJar
}

// Compile-time check that Transport implements http.RoundTripper.
var _ http.RoundTripper = (*Transport)(nil)

// RoundTrip implements http.RoundTripper interface.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}

	out := req
	if jarCookies := t.Jar.Cookies(req.URL); len(jarCookies) > 0 {
		out = req.Clone(req.Context())
		out.Header.Set("Cookie", mergeCookies(req.Cookies(), jarCookies))
	}

	resp, err := base.RoundTrip(out)
	if err != nil {
		return resp, err
	}

	if cookies := resp.Cookies(); len(cookies) > 0 {
		t.Jar.SetCookies(req.URL, cookies)
	}
	return resp, nil
}

func mergeCookies(incoming, jar []*http.Cookie) string {
	owned := make(map[string]bool, len(jar))
	for _, c := range jar {
		owned[c.Name] = true
	}

	parts := make([]string, 0, len(incoming)+len(jar))
	for _, c := range incoming {
		if !owned[c.Name] {
			parts = append(parts, (&http.Cookie{Name: c.Name, Value: c.Value}).String())
		}
	}
	for _, c := range jar {
		parts = append(parts, (&http.Cookie{Name: c.Name, Value: c.Value}).String())
	}
	return strings.Join(parts, "; ")
}
