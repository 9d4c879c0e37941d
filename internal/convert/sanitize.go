// Package convert cleans untrusted SVG documents and renders them to PNG.
package convert

import (
	"html"
	"net/netip"
	"net/url"
	"regexp"
	"strings"
	"unicode"
)

// AllowedOutputDomains are the hosts generated artifacts may be fetched from.
var AllowedOutputDomains = []string{
	"replicate.delivery",
	"replicate.com",
	"replicate-api-prod-models.s3.amazonaws.com",
	"storage.googleapis.com",
}

var (
	scriptBlock = regexp.MustCompile(`(?is)<script\b.*?</script\s*>`)
	scriptOpen  = regexp.MustCompile(`(?i)<script\b[^>]*>`)
	styleBlock  = regexp.MustCompile(`(?is)<style\b.*?</style\s*>`)
	// Attributes may follow whitespace, a slash or a closing quote.
	eventHandler    = regexp.MustCompile(`(?i)(\s*/\s*|\s+|["'])on[a-z0-9_-]+\s*=\s*("[^"]*"|'[^']*'|[^\s>]+)`)
	urlAttr         = regexp.MustCompile(`(?i)(\s*/\s*|\s+|["'])(href|xlink:href|src)\s*=\s*("[^"]*"|'[^']*'|[^\s>]+)`)
	safeDataURL     = regexp.MustCompile(`(?i)^data:image/(png|jpeg|jpg|gif|svg\+xml)[;,]`)
	dangerousTag    = regexp.MustCompile(`(?i)</?(iframe|object|embed|form|input|style|meta|base|link|foreignobject)\b[^>]*>`)
	processingInstr = regexp.MustCompile(`(?s)<\?.*?\?>`)
	doctype         = regexp.MustCompile(`(?is)<!DOCTYPE[^\[>]*(\[.*?\])?\s*>`)
	entityDecl      = regexp.MustCompile(`(?i)<!ENTITY[^>]*>`)
	comment         = regexp.MustCompile(`(?s)<!--.*?-->`)
)

// SanitizeSVG strips active content and external references from an SVG
// document. Input that is not an SVG document yields "".
func SanitizeSVG(svg string) string {
	out := processingInstr.ReplaceAllString(svg, "")
	out = doctype.ReplaceAllString(out, "")
	out = entityDecl.ReplaceAllString(out, "")
	out = comment.ReplaceAllString(out, "")
	if !strings.HasPrefix(strings.ToLower(strings.TrimSpace(out)), "<svg") {
		return ""
	}

	out = scriptBlock.ReplaceAllString(out, "")
	out = scriptOpen.ReplaceAllString(out, "")
	out = styleBlock.ReplaceAllString(out, "")
	out = eventHandler.ReplaceAllStringFunc(out, func(attr string) string {
		m := eventHandler.FindStringSubmatch(attr)
		return dropAttr(m[1], m[2])
	})
	out = urlAttr.ReplaceAllStringFunc(out, func(attr string) string {
		m := urlAttr.FindStringSubmatch(attr)
		if allowedURLValue(m[3]) {
			return attr
		}
		return dropAttr(m[1], m[3])
	})
	out = dangerousTag.ReplaceAllString(out, "")
	return strings.TrimSpace(out)
}

// dropAttr returns what replaces a removed attribute so the surrounding tag
// stays well formed.
func dropAttr(sep, value string) string {
	var b strings.Builder
	switch {
	case sep == `"` || sep == "'":
		b.WriteString(sep)
	case strings.Contains(sep, "/"):
		b.WriteString(" ")
	}
	if !strings.HasPrefix(value, `"`) && !strings.HasPrefix(value, "'") && strings.HasSuffix(value, "/") {
		b.WriteString("/")
	}
	return b.String()
}

// allowedURLValue keeps local references, relative paths and inline raster
// images. Script schemes and remote URLs are refused after entity decoding.
func allowedURLValue(raw string) bool {
	value := strings.Trim(raw, `"'`)
	value = html.UnescapeString(value)
	value = strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return -1
		}
		return r
	}, value)
	lower := strings.ToLower(value)
	switch {
	case strings.HasPrefix(lower, "data:"):
		return safeDataURL.MatchString(lower)
	case strings.HasPrefix(lower, "//"):
		return false
	}
	scheme, _, ok := strings.Cut(lower, ":")
	if !ok || strings.ContainsAny(scheme, "/?#") {
		return true
	}
	// Any other scheme (javascript, vbscript, http, https, file) is dropped.
	return false
}

// IsAllowedURL reports whether raw is an http(s) URL on one of domains or a
// subdomain of one. IP literals and localhost are always refused.
func IsAllowedURL(raw string, domains []string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	host := strings.ToLower(strings.TrimSuffix(u.Hostname(), "."))
	if host == "" || host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return false
	}
	if _, err := netip.ParseAddr(host); err == nil {
		return false
	}
	for _, d := range domains {
		d = strings.ToLower(d)
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}
