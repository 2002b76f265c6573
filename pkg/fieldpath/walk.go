package fieldpath

import "github.com/tidwall/gjson"

// Leaf is a scalar value found while walking a JSON document.
type Leaf struct {
	Path  Path
	Value gjson.Result
}

// Leaves returns every scalar leaf of a JSON document in document order.
// Invalid JSON yields no leaves. maxDepth bounds traversal (0 = unbounded).
func Leaves(doc string, maxDepth int) []Leaf {
	if !gjson.Valid(doc) {
		return nil
	}
	var out []Leaf
	walk(gjson.Parse(doc), Path{}, maxDepth, &out)
	return out
}

func walk(r gjson.Result, p Path, maxDepth int, out *[]Leaf) {
	if maxDepth > 0 && len(p.segs) > maxDepth {
		return
	}
	switch {
	case r.IsObject():
		r.ForEach(func(k, v gjson.Result) bool {
			walk(v, p.Key(k.String()), maxDepth, out)
			return true
		})
	case r.IsArray():
		i := 0
		r.ForEach(func(_, v gjson.Result) bool {
			walk(v, p.Index(i), maxDepth, out)
			i++
			return true
		})
	default:
		if !p.IsRoot() {
			*out = append(*out, Leaf{Path: p, Value: r})
		}
	}
}
