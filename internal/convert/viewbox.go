package convert

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	svgOpenTag = regexp.MustCompile(`<svg[^>]*>`)
	widthAttr  = regexp.MustCompile(`\swidth="([^"%]+)"`)
	heightAttr = regexp.MustCompile(`\sheight="([^"%]+)"`)
)

// EnsureViewBox adds a viewBox derived from the root width and height when
// the document has none, so the image scales with its container.
// Percentage or non-numeric dimensions leave the document unchanged.
func EnsureViewBox(svg string) string {
	if strings.Contains(svg, "viewBox=") {
		return svg
	}
	loc := svgOpenTag.FindStringIndex(svg)
	if loc == nil {
		return svg
	}
	tag := svg[loc[0]:loc[1]]
	w, h := widthAttr.FindStringSubmatch(tag), heightAttr.FindStringSubmatch(tag)
	if w == nil || h == nil {
		return svg
	}
	width, okW := dimension(w[1])
	height, okH := dimension(h[1])
	if !okW || !okH {
		return svg
	}
	patched := strings.Replace(tag, "<svg", `<svg viewBox="0 0 `+width+" "+height+`"`, 1)
	return svg[:loc[0]] + patched + svg[loc[1]:]
}

func dimension(raw string) (string, bool) {
	v := strings.TrimSuffix(strings.TrimSpace(raw), "px")
	if _, err := strconv.ParseFloat(v, 64); err != nil {
		return "", false
	}
	return v, true
}
