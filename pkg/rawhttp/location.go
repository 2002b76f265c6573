package rawhttp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/SEc-123/BolaSecurityTestGate-sub001/pkg/types"
)

// Get reads the value at loc from an outgoing request.
func Get(req *types.ParsedRequest, loc types.Location) (string, bool) {
	switch loc.Kind {
	case types.LocationHeader:
		v := req.Header.Get(loc.Name)
		return v, v != ""
	case types.LocationCookie:
		c, err := (&http.Request{Header: req.Header}).Cookie(loc.Name)
		if err != nil {
			return "", false
		}
		return c.Value, true
	case types.LocationQuery:
		q := req.URL.Query()
		if !q.Has(loc.Name) {
			return "", false
		}
		return q.Get(loc.Name), true
	case types.LocationBody:
		if isForm(req.Header) {
			form, err := url.ParseQuery(req.Body)
			if err != nil || !form.Has(loc.Field.String()) {
				return "", false
			}
			return form.Get(loc.Field.String()), true
		}
		return jsonValue(req.Body, loc)
	case types.LocationPath:
		segs := pathSegments(req.URL.Path)
		if loc.Name != "" {
			return "", false
		}
		if loc.Segment >= len(segs) {
			return "", false
		}
		return segs[loc.Segment], true
	}
	return "", false
}

// Set writes value into req at loc.
func Set(req *types.ParsedRequest, loc types.Location, value string) error {
	switch loc.Kind {
	case types.LocationHeader:
		if strings.EqualFold(loc.Name, "Authorization") {
			value = keepAuthScheme(req.Header.Get("Authorization"), value)
		}
		req.Header.Set(loc.Name, value)
	case types.LocationCookie:
		SetCookie(req, loc.Name, value)
	case types.LocationQuery:
		q := req.URL.Query()
		q.Set(loc.Name, value)
		req.URL.RawQuery = q.Encode()
	case types.LocationBody:
		return setBody(req, loc, value)
	case types.LocationPath:
		return setPath(req, loc, value)
	default:
		return fmt.Errorf("%w: unsupported location %q", ErrInvalidRequest, loc.String())
	}
	return nil
}

// GetResponse reads the value at loc from a captured response. Path
// locations never resolve on responses.
func GetResponse(resp *types.HTTPResponse, loc types.Location) (string, bool) {
	if resp == nil {
		return "", false
	}
	switch loc.Kind {
	case types.LocationHeader:
		v := resp.Headers.Get(loc.Name)
		return v, v != ""
	case types.LocationCookie:
		for _, c := range resp.Cookies() {
			if c.Name == loc.Name {
				return c.Value, true
			}
		}
	case types.LocationBody:
		if v, ok := jsonValue(resp.Body, loc); ok {
			return v, true
		}
		// Single-key paths also address named inputs and meta tags of an
		// HTML page (CSRF tokens).
		if loc.Field.Depth() == 1 && len(loc.Field.Segments()) == 1 && LooksLikeHTML(resp.Headers.Get("Content-Type"), resp.Body) {
			return htmlInputValue(resp.Body, loc.Field.Leaf())
		}
	}
	return "", false
}

// SetCookie replaces or appends a cookie in the Cookie header.
func SetCookie(req *types.ParsedRequest, name, value string) {
	existing := (&http.Request{Header: req.Header}).Cookies()
	parts := make([]string, 0, len(existing)+1)
	replaced := false
	for _, c := range existing {
		if c.Name == name {
			parts = append(parts, name+"="+value)
			replaced = true
			continue
		}
		parts = append(parts, c.Name+"="+c.Value)
	}
	if !replaced {
		parts = append(parts, name+"="+value)
	}
	req.Header.Set("Cookie", strings.Join(parts, "; "))
}

// MergeCookies adds cookies to the request; on a name clash the merged
// cookie wins.
func MergeCookies(req *types.ParsedRequest, cookies []*http.Cookie) {
	for _, c := range cookies {
		SetCookie(req, c.Name, c.Value)
	}
}

func jsonValue(body string, loc types.Location) (string, bool) {
	if loc.Field.IsRoot() || !gjson.Valid(body) {
		return "", false
	}
	r := gjson.Get(body, loc.Field.GJSON())
	if !r.Exists() {
		return "", false
	}
	if r.Type == gjson.Null {
		return "", false
	}
	return r.String(), true
}

func setBody(req *types.ParsedRequest, loc types.Location, value string) error {
	if isForm(req.Header) {
		form, err := url.ParseQuery(req.Body)
		if err != nil {
			return fmt.Errorf("%w: form body: %v", ErrInvalidRequest, err)
		}
		form.Set(loc.Field.String(), value)
		req.Body = form.Encode()
		return nil
	}

	var doc any
	if strings.TrimSpace(req.Body) != "" {
		dec := json.NewDecoder(strings.NewReader(req.Body))
		dec.UseNumber()
		if err := dec.Decode(&doc); err != nil {
			return fmt.Errorf("%w: body is not JSON: %v", ErrInvalidRequest, err)
		}
	}

	existing, _ := loc.Field.Get(doc)
	doc, err := loc.Field.Set(doc, typedLike(existing, value))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("%w: encode body: %v", ErrInvalidRequest, err)
	}
	req.Body = strings.TrimRight(buf.String(), "\n")
	return nil
}

// typedLike keeps the JSON type of the value being replaced when the new
// text can be represented in it.
func typedLike(existing any, value string) any {
	switch existing.(type) {
	case json.Number, float64:
		if _, err := strconv.ParseFloat(value, 64); err == nil {
			return json.Number(value)
		}
	case bool:
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return value
}

func setPath(req *types.ParsedRequest, loc types.Location, value string) error {
	escaped := url.PathEscape(value)
	if loc.Name != "" {
		token := "{" + loc.Name + "}"
		raw := req.URL.EscapedPath()
		if !strings.Contains(raw, url.PathEscape(token)) && !strings.Contains(raw, token) {
			return fmt.Errorf("%w: path placeholder %s not found", ErrInvalidRequest, token)
		}
		raw = strings.ReplaceAll(raw, url.PathEscape(token), escaped)
		raw = strings.ReplaceAll(raw, token, escaped)
		return setRawPath(req, raw)
	}

	segs := strings.Split(strings.TrimPrefix(req.URL.EscapedPath(), "/"), "/")
	idx, n := -1, 0
	for i, s := range segs {
		if s == "" {
			continue
		}
		if n == loc.Segment {
			idx = i
			break
		}
		n++
	}
	if idx < 0 {
		return fmt.Errorf("%w: path segment %d out of range", ErrInvalidRequest, loc.Segment)
	}
	segs[idx] = escaped
	return setRawPath(req, "/"+strings.Join(segs, "/"))
}

func setRawPath(req *types.ParsedRequest, raw string) error {
	p, err := url.PathUnescape(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	req.URL.Path = p
	req.URL.RawPath = raw
	return nil
}

func pathSegments(p string) []string {
	var out []string
	for _, s := range strings.Split(p, "/") {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func isForm(h http.Header) bool {
	return strings.HasPrefix(strings.ToLower(h.Get("Content-Type")), "application/x-www-form-urlencoded")
}

func keepAuthScheme(current, value string) string {
	if strings.Contains(value, " ") {
		return value
	}
	if scheme, _, ok := strings.Cut(current, " "); ok && scheme != "" {
		return scheme + " " + value
	}
	return value
}
