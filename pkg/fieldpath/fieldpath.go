// Package fieldpath implements the dotted/bracketed path syntax used to address
// values inside JSON documents, e.g. "data.items[0].id".
//
// A Path is parsed once and reused; Get never fails (unresolved paths report
// absent) and Set creates intermediate objects and arrays as needed.
package fieldpath

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

var (
	// ErrInvalidPath is returned by Parse for malformed path text.
	ErrInvalidPath = errors.New("invalid field path")
	// ErrIndexOutOfRange is returned by Set for an index too far past the
	// end of its array.
	ErrIndexOutOfRange = errors.New("array index out of range")
)

// MaxIndexGap is how many missing elements Set pads with null before an
// index counts as out of range.
const MaxIndexGap = 8

// Segment is one step of a Path: an object key or an array index.
type Segment struct {
	Key     string
	Index   int
	IsIndex bool
}

// Path is a compiled field path. The zero value addresses the document root.
type Path struct {
	segs []Segment
}

// Parse compiles path text.
func Parse(text string) (Path, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "$.")
	if text == "" || text == "$" {
		return Path{}, nil
	}

	var segs []Segment
	i := 0
	expectKey := true
	for i < len(text) {
		switch c := text[i]; {
		case c == '[':
			end := strings.IndexByte(text[i:], ']')
			if end < 0 {
				return Path{}, fmt.Errorf("%w: unclosed bracket in %q", ErrInvalidPath, text)
			}
			inner := text[i+1 : i+end]
			idx, err := strconv.Atoi(inner)
			if err != nil || idx < 0 {
				return Path{}, fmt.Errorf("%w: bad index %q in %q", ErrInvalidPath, inner, text)
			}
			segs = append(segs, Segment{Index: idx, IsIndex: true})
			i += end + 1
			expectKey = false
		case c == '.':
			if expectKey {
				return Path{}, fmt.Errorf("%w: empty segment in %q", ErrInvalidPath, text)
			}
			i++
			expectKey = true
			if i == len(text) {
				return Path{}, fmt.Errorf("%w: trailing dot in %q", ErrInvalidPath, text)
			}
		default:
			if !expectKey {
				return Path{}, fmt.Errorf("%w: missing dot before %q in %q", ErrInvalidPath, text[i:], text)
			}
			j := i
			for j < len(text) && text[j] != '.' && text[j] != '[' {
				j++
			}
			segs = append(segs, Segment{Key: text[i:j]})
			i = j
			expectKey = false
		}
	}
	return Path{segs: segs}, nil
}

// MustParse is like Parse but panics on error. Intended for literals.
func MustParse(text string) Path {
	p, err := Parse(text)
	if err != nil {
		panic(err)
	}
	return p
}

// String renders the path in canonical form.
func (p Path) String() string {
	var b strings.Builder
	for i, s := range p.segs {
		if s.IsIndex {
			b.WriteString("[")
			b.WriteString(strconv.Itoa(s.Index))
			b.WriteString("]")
			continue
		}
		if i > 0 {
			b.WriteByte('.')
		}
		b.WriteString(s.Key)
	}
	return b.String()
}

// MarshalText implements encoding.TextMarshaler.
func (p Path) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Path) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// IsRoot reports whether the path addresses the whole document.
func (p Path) IsRoot() bool { return len(p.segs) == 0 }

// Segments returns a copy of the compiled segments.
func (p Path) Segments() []Segment {
	out := make([]Segment, len(p.segs))
	copy(out, p.segs)
	return out
}

// Depth is the number of object keys traversed; array indexes do not count.
func (p Path) Depth() int {
	n := 0
	for _, s := range p.segs {
		if !s.IsIndex {
			n++
		}
	}
	return n
}

// Leaf returns the last object key in the path, or "" for root/index-only paths.
func (p Path) Leaf() string {
	for i := len(p.segs) - 1; i >= 0; i-- {
		if !p.segs[i].IsIndex {
			return p.segs[i].Key
		}
	}
	return ""
}

// Key returns a new path with an object key appended.
func (p Path) Key(key string) Path {
	return Path{segs: append(p.Segments(), Segment{Key: key})}
}

// Index returns a new path with an array index appended.
func (p Path) Index(i int) Path {
	return Path{segs: append(p.Segments(), Segment{Index: i, IsIndex: true})}
}

// GJSON renders the path in gjson syntax with keys escaped.
func (p Path) GJSON() string {
	parts := make([]string, len(p.segs))
	for i, s := range p.segs {
		if s.IsIndex {
			parts[i] = strconv.Itoa(s.Index)
		} else {
			parts[i] = gjson.Escape(s.Key)
		}
	}
	return strings.Join(parts, ".")
}

// Get resolves the path against a decoded JSON value.
func (p Path) Get(doc any) (any, bool) {
	cur := doc
	for _, s := range p.segs {
		if s.IsIndex {
			arr, ok := cur.([]any)
			if !ok || s.Index >= len(arr) {
				return nil, false
			}
			cur = arr[s.Index]
			continue
		}
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[s.Key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Set writes value at the path and returns the (possibly replaced) root.
// Missing containers are created; scalars in the way are overwritten. An
// array index more than MaxIndexGap past the end of its array is rejected
// with ErrIndexOutOfRange and doc is returned unchanged.
func (p Path) Set(doc any, value any) (any, error) {
	out, err := setAt(doc, p.segs, value)
	if err != nil {
		return doc, fmt.Errorf("set %s: %w", p, err)
	}
	return out, nil
}

func setAt(cur any, segs []Segment, value any) (any, error) {
	if len(segs) == 0 {
		return value, nil
	}
	s := segs[0]
	if s.IsIndex {
		arr, _ := cur.([]any)
		if s.Index-len(arr) > MaxIndexGap {
			return nil, fmt.Errorf("%w: index %d on array of length %d", ErrIndexOutOfRange, s.Index, len(arr))
		}
		child := any(nil)
		if s.Index < len(arr) {
			child = arr[s.Index]
		}
		v, err := setAt(child, segs[1:], value)
		if err != nil {
			return nil, err
		}
		for len(arr) <= s.Index {
			arr = append(arr, nil)
		}
		arr[s.Index] = v
		return arr, nil
	}
	obj, ok := cur.(map[string]any)
	if !ok {
		obj = make(map[string]any)
	}
	v, err := setAt(obj[s.Key], segs[1:], value)
	if err != nil {
		return nil, err
	}
	obj[s.Key] = v
	return obj, nil
}
