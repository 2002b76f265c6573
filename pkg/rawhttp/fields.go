package rawhttp

import (
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/SEc-123/BolaSecurityTestGate-sub001/pkg/fieldpath"
	"github.com/SEc-123/BolaSecurityTestGate-sub001/pkg/types"
)

// Field is one addressable value in a request.
type Field struct {
	Location types.Location
	Value    string
}

var transportHeaders = map[string]bool{
	"Accept":                    true,
	"Accept-Encoding":           true,
	"Accept-Language":           true,
	"Cache-Control":             true,
	"Connection":                true,
	"Content-Length":            true,
	"Content-Type":              true,
	"Cookie":                    true,
	"Host":                      true,
	"Origin":                    true,
	"Pragma":                    true,
	"Referer":                   true,
	"Upgrade-Insecure-Requests": true,
	"User-Agent":                true,
}

// RequestFields lists every value a mapping could target in req: headers
// (minus transport headers), cookies, query params, body leaves and path
// segments.
func RequestFields(req *types.ParsedRequest, maxDepth int) []Field {
	var out []Field

	names := make([]string, 0, len(req.Header))
	for k := range req.Header {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		if transportHeaders[k] || strings.HasPrefix(k, "Sec-") {
			continue
		}
		out = append(out, Field{
			Location: types.Location{Kind: types.LocationHeader, Name: k},
			Value:    stripAuthScheme(k, req.Header.Get(k)),
		})
	}

	for _, c := range (&http.Request{Header: req.Header}).Cookies() {
		out = append(out, Field{Location: types.Location{Kind: types.LocationCookie, Name: c.Name}, Value: c.Value})
	}

	q := req.URL.Query()
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, Field{Location: types.Location{Kind: types.LocationQuery, Name: k}, Value: q.Get(k)})
	}

	if isForm(req.Header) {
		if form, err := url.ParseQuery(req.Body); err == nil {
			fk := make([]string, 0, len(form))
			for k := range form {
				fk = append(fk, k)
			}
			sort.Strings(fk)
			for _, k := range fk {
				p, err := fieldpath.Parse(k)
				if err != nil {
					continue
				}
				out = append(out, Field{Location: types.Location{Kind: types.LocationBody, Field: p}, Value: form.Get(k)})
			}
		}
	} else {
		for _, leaf := range fieldpath.Leaves(req.Body, maxDepth) {
			out = append(out, Field{
				Location: types.Location{Kind: types.LocationBody, Field: leaf.Path},
				Value:    leaf.Value.String(),
			})
		}
	}

	for i, seg := range pathSegments(req.URL.Path) {
		if _, err := strconv.Atoi(seg); err != nil && len(seg) < 16 {
			// literal route words are not values
			continue
		}
		out = append(out, Field{Location: types.Location{Kind: types.LocationPath, Segment: i}, Value: seg})
	}
	return out
}

func stripAuthScheme(header, value string) string {
	if !strings.EqualFold(header, "Authorization") {
		return value
	}
	if _, token, ok := strings.Cut(value, " "); ok {
		return token
	}
	return value
}
