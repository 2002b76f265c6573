package learning

import (
	"regexp"
	"strings"

	"github.com/SEc-123/BolaSecurityTestGate-sub001/pkg/types"
)

// namePattern is one entry of the priority-ordered name dictionary. The first
// matching entry wins.
type namePattern struct {
	re    *regexp.Regexp
	vtype types.VariableType
	score int
}

var nameDictionary = []namePattern{
	// Volatile or descriptive fields never carry flow state.
	{regexp.MustCompile(`(?i)^(timestamp|ts|time|date|datetime|created(_?at)?|updated(_?at)?|modified(_?at)?|expires?(_?(at|in))?|max_?age|last_?modified)$`), types.VarNoise, 0},
	{regexp.MustCompile(`(?i)^(x-)?(request|trace|span|correlation)[-_]?id$`), types.VarNoise, 0},
	{regexp.MustCompile(`(?i)^(date|server|etag|vary|via|age|content-.*|cache-control|pragma|connection|keep-alive|transfer-encoding|strict-transport-security|x-powered-by|x-frame-options|x-content-type-options|x-xss-protection|access-control-.*|x-ratelimit-.*|retry-after)$`), types.VarNoise, 0},
	{regexp.MustCompile(`(?i)^(message|msg|error|errors|description|title|status|success|ok|code|version|locale|lang|language|page|page_?size|size|limit|offset|total|count)$`), types.VarNoise, 0},

	{regexp.MustCompile(`(?i)(access|refresh|id|auth|bearer|session|api)[-_]?(token|key)|^token$|^jwt$|^authorization$|^(php)?sess(ion)?([-_]?id)?$|^sid$|^connect\.sid$|^jsessionid$`), types.VarIdentity, 35},
	{regexp.MustCompile(`(?i)csrf|xsrf|nonce|ticket|challenge|captcha|(^|[-_])(otp|state|code_?verifier)$|^flow[-_]?id$|^tx[-_]?id$|transaction[-_]?id`), types.VarFlowTicket, 30},
	{regexp.MustCompile(`(?i:(^|[-_])(id|uid|uuid|guid)$)|[a-z](Id|ID)$|(?i:^(order|invoice|account|user|customer|member|profile|item|doc|document|file|cart|booking|message|report)[-_]?(no|num|number|ref)$)`), types.VarObjectID, 25},
}

var (
	jwtShape     = regexp.MustCompile(`^eyJ[A-Za-z0-9_-]{5,}\.[A-Za-z0-9_-]{5,}\.[A-Za-z0-9_-]*$`)
	uuidShape    = regexp.MustCompile(`(?i)^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)
	longHexShape = regexp.MustCompile(`(?i)^[0-9a-f]{16,}$`)
	longNumShape = regexp.MustCompile(`^[0-9]{5,}$`)
)

type shapeRule struct {
	re    *regexp.Regexp
	vtype types.VariableType
	score int
	label string
}

// Most specific first.
var shapeRules = []shapeRule{
	{jwtShape, types.VarIdentity, 60, "jwt_value"},
	{uuidShape, types.VarObjectID, 45, "uuid_value"},
	{longHexShape, types.VarFlowTicket, 40, "hex_value"},
	{longNumShape, types.VarObjectID, 30, "numeric_value"},
}

// Classification is the verdict for one field.
type Classification struct {
	Type    types.VariableType
	Score   int
	Reasons []string
	// NameScore is the part of Score earned by name and position alone.
	NameScore int
}

// Classify scores one scalar field. depth is the nesting depth of body
// fields (1 for top level); it is ignored for other locations.
func Classify(name, value string, loc types.Location, depth int) Classification {
	var c Classification

	var nameType types.VariableType
	nameScore := 0
	for _, p := range nameDictionary {
		if !p.re.MatchString(name) {
			continue
		}
		if p.vtype == types.VarNoise {
			return Classification{Type: types.VarNoise, Reasons: []string{"noise_name"}}
		}
		nameType, nameScore = p.vtype, p.score
		c.Reasons = append(c.Reasons, "name_"+strings.ToLower(string(p.vtype)))
		break
	}

	var shapeType types.VariableType
	shapeScore := 0
	for _, r := range shapeRules {
		if r.re.MatchString(value) {
			shapeType, shapeScore = r.vtype, r.score
			c.Reasons = append(c.Reasons, r.label)
			break
		}
	}

	pos := positionBonus(loc, depth)

	c.NameScore = nameScore + pos
	switch {
	case shapeType != "":
		c.Type = shapeType
		// Identity and flow-ticket names outrank every shape except a JWT.
		if (nameType == types.VarIdentity || nameType == types.VarFlowTicket) && shapeType != types.VarIdentity {
			c.Type = nameType
		}
	case trivial(value):
		c.Type = types.VarNoise
		c.Reasons = append(c.Reasons, "trivial_value")
		if nameType != "" && c.NameScore > 30 {
			c.Type = nameType
		}
	case nameType != "":
		c.Type = nameType
	default:
		c.Type = types.VarGeneric
	}

	if c.Type == types.VarNoise {
		return c
	}
	c.Score = min(shapeScore+nameScore+pos, 100)
	return c
}

func positionBonus(loc types.Location, depth int) int {
	bonus := 0
	switch loc.Kind {
	case types.LocationCookie:
		bonus += 10
	case types.LocationHeader:
		bonus += 5
	case types.LocationBody:
		switch {
		case depth <= 1:
			bonus += 10
		case depth == 2:
			bonus += 5
		case depth == 3:
			bonus += 2
		}
	}
	return bonus
}

func trivial(v string) bool {
	switch strings.ToLower(v) {
	case "", "true", "false", "null", "0", "1":
		return true
	}
	return len(v) < 3
}

// Keep reports whether a classified field is worth proposing.
func (c Classification) Keep() bool {
	return c.Type != types.VarNoise
}
