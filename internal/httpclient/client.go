package httpclient

import (
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"
)

const defaultTimeout = 30 * time.Second

// NewDefaultHTTPClient creates a simple HTTP client with a timeout
func NewDefaultHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &http.Client{
		Timeout: timeout,
	}
}

// NewSessionClient creates an HTTP client whose cookie jar carries the cookies harvested
// from a browser login. Cookies without a domain are bound to baseURL.
func NewSessionClient(baseURL string, cookies []*http.Cookie, timeout time.Duration) (*http.Client, error) {
	base, err := url.Parse(baseURL)
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("invalid base URL %q", baseURL)
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}
	client := NewDefaultHTTPClient(timeout)
	client.Jar = jar

	byDomain := make(map[string][]*http.Cookie)
	for _, c := range cookies {
		if c == nil {
			continue
		}
		cp := *c
		// Expired browser cookies are kept as session cookies
		if !cp.Expires.IsZero() && cp.Expires.Before(time.Now()) {
			cp.Expires = time.Time{}
		}
		domain := strings.TrimPrefix(cp.Domain, ".")
		if domain == "" {
			domain = base.Host
		}
		byDomain[domain] = append(byDomain[domain], &cp)
	}

	for domain, domainCookies := range byDomain {
		target := &url.URL{Scheme: base.Scheme, Host: domain, Path: "/"}
		if domain != base.Host && !strings.HasSuffix(base.Host, "."+domain) {
			target.Scheme = "https"
		}
		jar.SetCookies(target, domainCookies)
	}
	return client, nil
}
