package engine

import (
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"github.com/tidwall/gjson"

	"github.com/SEc-123/BolaSecurityTestGate-sub001/pkg/types"
)

var (
	regexCache   = map[string]*regexp.Regexp{}
	regexCacheMu sync.Mutex
)

func cachedRegexp(expr string) (*regexp.Regexp, error) {
	regexCacheMu.Lock()
	defer regexCacheMu.Unlock()
	if re, ok := regexCache[expr]; ok {
		return re, nil
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, err
	}
	regexCache[expr] = re
	return re, nil
}

// Extract evaluates one context extractor against a response.
//
// Header and cookie sources read the header or cookie named by Attribute;
// status reads the status code. A regex Kind then narrows that value. Body
// sources use Kind directly: json_path (gjson syntax, "$." optional), regex
// (first capture group, else the whole match) or css (Expression selects,
// Attribute picks an attribute, text otherwise).
func Extract(ex types.ContextExtractor, resp *types.HTTPResponse) (string, bool) {
	if !resp.Responded() {
		return "", false
	}
	var input string
	switch ex.Source {
	case types.ExtractFromStatus:
		input = strconv.Itoa(resp.Status)
	case types.ExtractFromHeader:
		input = resp.Headers.Get(ex.Attribute)
	case types.ExtractFromCookie:
		for _, c := range resp.Cookies() {
			if c.Name == ex.Attribute {
				input = c.Value
				break
			}
		}
	case types.ExtractFromBody:
		switch ex.Kind {
		case types.ExtractorJSONPath:
			return jsonPath(resp.Body, ex.Expression)
		case types.ExtractorCSS:
			return cssSelect(resp.Body, ex.Expression, ex.Attribute)
		case types.ExtractorRegex:
			return regexMatch(resp.Body, ex.Expression)
		}
		return "", false
	default:
		return "", false
	}

	if input == "" {
		return "", false
	}
	if ex.Kind == types.ExtractorRegex && ex.Expression != "" {
		return regexMatch(input, ex.Expression)
	}
	return input, true
}

func jsonPath(body, expr string) (string, bool) {
	expr = strings.TrimPrefix(strings.TrimPrefix(expr, "$"), ".")
	if expr == "" || !gjson.Valid(body) {
		return "", false
	}
	r := gjson.Get(body, expr)
	if !r.Exists() {
		return "", false
	}
	return r.String(), true
}

func regexMatch(input, expr string) (string, bool) {
	re, err := cachedRegexp(expr)
	if err != nil {
		return "", false
	}
	m := re.FindStringSubmatch(input)
	switch {
	case m == nil:
		return "", false
	case len(m) > 1:
		return m[1], true
	}
	return m[0], true
}

func cssSelect(body, selector, attr string) (string, bool) {
	if selector == "" {
		return "", false
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return "", false
	}
	sel := doc.Find(selector).First()
	if sel.Length() == 0 {
		return "", false
	}
	if attr != "" {
		return sel.Attr(attr)
	}
	text := strings.TrimSpace(sel.Text())
	return text, text != ""
}

// runExtractors stores every extractor value that resolves into ctxValues.
func runExtractors(list []types.ContextExtractor, resp *types.HTTPResponse, ctxValues map[string]string) []string {
	var stored []string
	for _, ex := range list {
		if v, ok := Extract(ex, resp); ok {
			ctxValues[ex.Name] = v
			stored = append(stored, ex.Name)
		}
	}
	return stored
}
