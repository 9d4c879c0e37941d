package credits

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"iconforge/internal/models"
)

const (
	DevelopmentIdentifier     = "development_user"
	anonymousFallbackIdPrefix = "anonymous_fallback_"
)

// IPHint is one request-supplied candidate for the caller's network origin.
type IPHint struct {
	Source string
	Value  string
}

// Header sources in the order they are trusted.
var hintHeaders = []string{
	"X-Forwarded-For",
	"X-Real-IP",
	"CF-Connecting-IP",
	"True-Client-IP",
	"Fastly-Client-IP",
	"X-Vercel-Forwarded-For",
}

// HintsFromRequest collects IP hints in priority order: the direct connection,
// forwarding headers, CDN headers and finally the RFC 7239 Forwarded header.
func HintsFromRequest(r *http.Request) []IPHint {
	hints := make([]IPHint, 0, len(hintHeaders)+2)
	hints = append(hints, IPHint{Source: "remote_addr", Value: r.RemoteAddr})
	for _, name := range hintHeaders {
		if v := r.Header.Get(name); v != "" {
			hints = append(hints, IPHint{Source: strings.ToLower(name), Value: firstListElement(v)})
		}
	}
	if v := r.Header.Get("Forwarded"); v != "" {
		hints = append(hints, IPHint{Source: "forwarded", Value: forwardedFor(v)})
	}
	return hints
}

// Resolver turns an authentication state and IP hints into the identity a
// request is charged against.
type Resolver struct {
	Production bool
	Now        func() time.Time
}

func NewResolver(production bool) Resolver {
	return Resolver{Production: production, Now: time.Now}
}

func (r Resolver) Resolve(userID string, hints []IPHint) models.Identity {
	if userID = strings.TrimSpace(userID); userID != "" {
		return models.UserIdentity(userID)
	}
	if addr, ok := FirstValidIP(hints); ok {
		return models.AnonymousIdentity(addr.String())
	}
	if !r.Production {
		return models.AnonymousIdentity(DevelopmentIdentifier)
	}
	// Undeterminable callers share one bucket per day.
	return models.AnonymousIdentity(anonymousFallbackIdPrefix + r.now().UTC().Format(time.DateOnly))
}

func (r Resolver) now() time.Time {
	if r.Now == nil {
		return time.Now()
	}
	return r.Now()
}

// FirstValidIP returns the first hint holding an IPv4 or IPv6 literal.
func FirstValidIP(hints []IPHint) (netip.Addr, bool) {
	for _, h := range hints {
		if addr, ok := parseIPCandidate(h.Value); ok {
			return addr, true
		}
	}
	return netip.Addr{}, false
}

func firstListElement(raw string) string {
	first, _, _ := strings.Cut(raw, ",")
	return strings.TrimSpace(first)
}

// forwardedFor extracts the for= parameter of the first Forwarded element.
func forwardedFor(raw string) string {
	for _, pair := range strings.Split(firstListElement(raw), ";") {
		key, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || !strings.EqualFold(key, "for") {
			continue
		}
		return strings.Trim(strings.TrimSpace(value), `"`)
	}
	return ""
}

func parseIPCandidate(raw string) (netip.Addr, bool) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return netip.Addr{}, false
	}
	if host, _, err := net.SplitHostPort(value); err == nil {
		return parseIPCandidate(host)
	}
	value = strings.TrimPrefix(value, "[")
	value = strings.TrimSuffix(value, "]")
	if idx := strings.Index(value, "%"); idx >= 0 {
		value = value[:idx]
	}
	addr, err := netip.ParseAddr(value)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}
