package events

import "github.com/snehjoshi/xcmq/internal/types"

// Selector selects records by origin and kind. Empty sets match everything.
type Selector struct {
	origins map[types.OriginID]bool
	kinds   map[Kind]bool
}

// NewSelector returns a Selector admitting the given origins and kinds.
func NewSelector(origins []types.OriginID, kinds []Kind) Selector {
	f := Selector{}
	if len(origins) > 0 {
		f.origins = make(map[types.OriginID]bool, len(origins))
		for _, o := range origins {
			f.origins[o] = true
		}
	}
	if len(kinds) > 0 {
		f.kinds = make(map[Kind]bool, len(kinds))
		for _, k := range kinds {
			f.kinds[k] = true
		}
	}
	return f
}

// Match reports whether r passes the selector.
func (f Selector) Match(r *Record) bool {
	if f.origins != nil && !f.origins[r.Origin] {
		return false
	}
	if f.kinds != nil && !f.kinds[r.Kind] {
		return false
	}
	return true
}

// Select returns the records that pass the selector.
func (f Selector) Select(records []Record) []Record {
	if f.origins == nil && f.kinds == nil {
		return records
	}
	var out []Record
	for i := range records {
		if f.Match(&records[i]) {
			out = append(out, records[i])
		}
	}
	return out
}
