package types

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/SEc-123/BolaSecurityTestGate-sub001/pkg/fieldpath"
)

var ErrInvalidLocation = errors.New("invalid location")

type LocationKind string

const (
	LocationHeader LocationKind = "header"
	LocationCookie LocationKind = "cookie"
	LocationQuery  LocationKind = "query"
	LocationBody   LocationKind = "body"
	LocationPath   LocationKind = "path"
)

// Location addresses one value in a request or response.
//
//	header.<Name>      Name
//	cookie.<name>      Name
//	query.<name>       Name
//	body.<field path>  Field (root when empty)
//	path.<index>       Segment
//	path.{name}        Name (placeholder segment)
type Location struct {
	Kind    LocationKind
	Name    string
	Field   fieldpath.Path
	Segment int
}

var locationAliases = map[string]LocationKind{
	"header":  LocationHeader,
	"headers": LocationHeader,
	"cookie":  LocationCookie,
	"cookies": LocationCookie,
	"query":   LocationQuery,
	"body":    LocationBody,
	"json":    LocationBody,
	"path":    LocationPath,
}

func ParseLocation(text string) (Location, error) {
	text = strings.TrimSpace(text)
	prefix, rest, _ := strings.Cut(text, ".")
	kind, ok := locationAliases[strings.ToLower(prefix)]
	if !ok {
		return Location{}, fmt.Errorf("%w: unknown kind in %q", ErrInvalidLocation, text)
	}

	loc := Location{Kind: kind}
	switch kind {
	case LocationBody:
		p, err := fieldpath.Parse(rest)
		if err != nil {
			return Location{}, fmt.Errorf("%w: %v", ErrInvalidLocation, err)
		}
		loc.Field = p
	case LocationPath:
		if strings.HasPrefix(rest, "{") && strings.HasSuffix(rest, "}") && len(rest) > 2 {
			loc.Name = rest[1 : len(rest)-1]
			return loc, nil
		}
		n, err := strconv.Atoi(rest)
		if err != nil || n < 0 {
			return Location{}, fmt.Errorf("%w: bad path segment in %q", ErrInvalidLocation, text)
		}
		loc.Segment = n
	default:
		if rest == "" {
			return Location{}, fmt.Errorf("%w: missing name in %q", ErrInvalidLocation, text)
		}
		loc.Name = rest
	}
	return loc, nil
}

func MustParseLocation(text string) Location {
	l, err := ParseLocation(text)
	if err != nil {
		panic(err)
	}
	return l
}

func (l Location) String() string {
	switch l.Kind {
	case LocationBody:
		if l.Field.IsRoot() {
			return "body"
		}
		return "body." + l.Field.String()
	case LocationPath:
		if l.Name != "" {
			return "path.{" + l.Name + "}"
		}
		return "path." + strconv.Itoa(l.Segment)
	case "":
		return ""
	}
	return string(l.Kind) + "." + l.Name
}

// FieldName is the bare name used when matching locations by name.
func (l Location) FieldName() string {
	if l.Kind == LocationBody {
		return l.Field.Leaf()
	}
	return l.Name
}

func (l Location) IsZero() bool { return l.Kind == "" }

func (l Location) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

func (l *Location) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*l = Location{}
		return nil
	}
	parsed, err := ParseLocation(string(b))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}
