// Package rawhttp turns raw HTTP request text (as recorded by a proxy) into
// validated requests and reads/writes values at typed Locations.
package rawhttp

import (
	"bufio"
	"fmt"
	"net/http"
	"net/textproto"
	"net/url"
	"regexp"
	"strings"

	"github.com/SEc-123/BolaSecurityTestGate-sub001/pkg/types"
)

var ErrInvalidRequest = types.ErrInvalidRequest

// Options control how relative targets are resolved.
type Options struct {
	// DefaultScheme applies when the target is a path; defaults to https.
	DefaultScheme string
	// BaseURL, when set, overrides scheme and host of every request.
	BaseURL string
	// Headers are added when the request does not already carry them.
	Headers map[string]string
}

var placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\-]+)\s*\}\}`)

// ReplacePlaceholders substitutes {{name}} tokens. Unknown names are left intact.
func ReplacePlaceholders(text string, values map[string]string) string {
	if len(values) == 0 || !strings.Contains(text, "{{") {
		return text
	}
	return placeholderRe.ReplaceAllStringFunc(text, func(m string) string {
		name := placeholderRe.FindStringSubmatch(m)[1]
		if v, ok := values[name]; ok {
			return v
		}
		return m
	})
}

// Placeholders lists the distinct {{name}} tokens in text, in order of appearance.
func Placeholders(text string) []string {
	var out []string
	seen := map[string]bool{}
	for _, m := range placeholderRe.FindAllStringSubmatch(text, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			out = append(out, m[1])
		}
	}
	return out
}

// Parse converts raw request text into a ParsedRequest.
func Parse(raw string, opts Options) (*types.ParsedRequest, error) {
	raw = strings.ReplaceAll(raw, "\r\n", "\n")
	raw = strings.TrimLeft(raw, "\n \t")
	if raw == "" {
		return nil, fmt.Errorf("%w: empty request", ErrInvalidRequest)
	}

	head, body, _ := strings.Cut(raw, "\n\n")
	line, headerBlock, _ := strings.Cut(head, "\n")

	parts := strings.Fields(line)
	if len(parts) < 2 {
		return nil, fmt.Errorf("%w: malformed request line %q", ErrInvalidRequest, line)
	}
	method, target := parts[0], parts[1]

	header := make(http.Header)
	if strings.TrimSpace(headerBlock) != "" {
		tp := textproto.NewReader(bufio.NewReader(strings.NewReader(headerBlock + "\n\n")))
		mime, err := tp.ReadMIMEHeader()
		if err != nil {
			return nil, fmt.Errorf("%w: headers: %v", ErrInvalidRequest, err)
		}
		header = http.Header(mime)
	}
	header.Del("Content-Length")

	u, err := resolveTarget(target, header.Get("Host"), opts)
	if err != nil {
		return nil, err
	}
	header.Del("Host")

	for k, v := range opts.Headers {
		if header.Get(k) == "" {
			header.Set(k, v)
		}
	}

	return types.NewParsedRequest(method, u.String(), header, strings.TrimRight(body, "\n"))
}

func resolveTarget(target, host string, opts Options) (*url.URL, error) {
	var u *url.URL
	var err error
	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		u, err = url.Parse(target)
	} else {
		scheme := opts.DefaultScheme
		if scheme == "" {
			scheme = "https"
		}
		if host == "" && opts.BaseURL == "" {
			return nil, fmt.Errorf("%w: no host for target %q", ErrInvalidRequest, target)
		}
		u, err = url.Parse(scheme + "://" + host + ensureSlash(target))
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	if opts.BaseURL != "" {
		base, err := url.Parse(opts.BaseURL)
		if err != nil || base.Host == "" {
			return nil, fmt.Errorf("%w: bad base url %q", ErrInvalidRequest, opts.BaseURL)
		}
		u.Scheme = base.Scheme
		u.Host = base.Host
		if p := strings.TrimRight(base.Path, "/"); p != "" {
			u.Path = p + u.Path
			if u.RawPath != "" {
				u.RawPath = p + u.RawPath
			}
		}
	}
	return u, nil
}

func ensureSlash(p string) string {
	if strings.HasPrefix(p, "/") {
		return p
	}
	return "/" + p
}

// Render serialises a request back into raw text.
func Render(req *types.ParsedRequest) string {
	var b strings.Builder
	b.WriteString(req.Method)
	b.WriteByte(' ')
	b.WriteString(req.URL.RequestURI())
	b.WriteString(" HTTP/1.1\r\nHost: ")
	b.WriteString(req.URL.Host)
	b.WriteString("\r\n")
	_ = req.Header.Write(&b)
	b.WriteString("\r\n")
	b.WriteString(req.Body)
	return b.String()
}
