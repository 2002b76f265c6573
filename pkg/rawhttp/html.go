package rawhttp

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// LooksLikeHTML is a cheap sniff used before handing a body to goquery.
func LooksLikeHTML(contentType, body string) bool {
	if strings.Contains(strings.ToLower(contentType), "html") {
		return true
	}
	trimmed := strings.TrimSpace(body)
	return strings.HasPrefix(trimmed, "<") && !strings.HasPrefix(trimmed, "<?xml")
}

// HiddenInputs returns name/value pairs of hidden form inputs in document
// order. Inputs without a name are skipped.
func HiddenInputs(body string) [][2]string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return nil
	}
	var out [][2]string
	doc.Find(`input[type=hidden]`).Each(func(_ int, s *goquery.Selection) {
		name, ok := s.Attr("name")
		if !ok || name == "" {
			return
		}
		value, _ := s.Attr("value")
		out = append(out, [2]string{name, value})
	})
	return out
}

func htmlInputValue(body, name string) (string, bool) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return "", false
	}
	var value string
	found := false
	doc.Find("input, meta").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		n, _ := s.Attr("name")
		if n != name {
			return true
		}
		attr := "value"
		if goquery.NodeName(s) == "meta" {
			attr = "content"
		}
		value, found = s.Attr(attr)
		return !found
	})
	return value, found
}
