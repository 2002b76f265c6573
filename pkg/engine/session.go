package engine

import (
	"fmt"
	"net/http/cookiejar"

	"golang.org/x/net/publicsuffix"

	"github.com/SEc-123/BolaSecurityTestGate-sub001/pkg/rawhttp"
	"github.com/SEc-123/BolaSecurityTestGate-sub001/pkg/types"
)

// sessionJar carries cookies set by clean responses into later steps of the
// same pass.
type sessionJar struct {
	jar *cookiejar.Jar
}

func newSessionJar() (*sessionJar, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	return &sessionJar{jar: jar}, nil
}

func (s *sessionJar) absorb(req *types.ParsedRequest, resp *types.HTTPResponse) {
	if s == nil || req == nil || req.URL == nil {
		return
	}
	if cookies := resp.Cookies(); len(cookies) > 0 {
		s.jar.SetCookies(req.URL, cookies)
	}
}

// apply merges jar cookies into req; the jar wins on a name clash.
func (s *sessionJar) apply(req *types.ParsedRequest) {
	if s == nil || req.URL == nil {
		return
	}
	rawhttp.MergeCookies(req, s.jar.Cookies(req.URL))
}
