package openrouter

import (
	"fmt"
	"net/url"
	"strings"
)

const defaultBaseURL = "https://openrouter.ai"

var defaultAllowedHosts = []string{"openrouter.ai", "api.openrouter.ai"}

func normalizeBaseURL(baseURL string) string {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return strings.TrimRight(baseURL, "/")
}

// ValidateBaseURL accepts only absolute https URLs without credentials, query or
// fragment whose host is allow-listed. An empty allow-list means the OpenRouter hosts.
func ValidateBaseURL(baseURL string, allowedHosts []string) error {
	baseURL = normalizeBaseURL(baseURL)
	fail := func(reason string) error {
		return fmt.Errorf("invalid translator base url %q: %s", baseURL, reason)
	}

	u, err := url.Parse(baseURL)
	if err != nil {
		return fmt.Errorf("invalid translator base url: %w", err)
	}
	switch {
	case !u.IsAbs() || u.Hostname() == "":
		return fail("absolute URL with host is required")
	case u.User != nil:
		return fail("userinfo is not allowed")
	case u.RawQuery != "" || u.Fragment != "":
		return fail("query and fragment are not allowed")
	case !strings.EqualFold(u.Scheme, "https"):
		return fail("https is required")
	}

	host := strings.ToLower(u.Hostname())
	if !hostAllowed(host, allowedHosts) {
		return fail(fmt.Sprintf("host %q is not allow-listed", host))
	}
	return nil
}

func hostAllowed(host string, allowed []string) bool {
	list := cleanHosts(allowed)
	if len(list) == 0 {
		list = defaultAllowedHosts
	}
	for _, h := range list {
		if h == host {
			return true
		}
	}
	return false
}

func cleanHosts(in []string) []string {
	out := make([]string, 0, len(in))
	for _, h := range in {
		v := strings.ToLower(strings.TrimSpace(h))
		v = strings.TrimPrefix(v, "http://")
		v = strings.TrimPrefix(v, "https://")
		v = strings.Trim(v, "/")
		if i := strings.Index(v, ":"); i >= 0 {
			v = v[:i]
		}
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
