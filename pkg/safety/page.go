package safety

// MaxPageSize caps every paged listing.
const MaxPageSize = 100

// Page selects a bounded slice of an ordered listing.
type Page struct {
	Offset int `json:"offset" yaml:"offset"`
	Limit  int `json:"limit" yaml:"limit"`
}

// Normalize clamps the page to [0, MaxPageSize]. A zero limit selects the
// maximum page size.
func (p Page) Normalize() Page {
	if p.Offset < 0 {
		p.Offset = 0
	}
	if p.Limit <= 0 || p.Limit > MaxPageSize {
		p.Limit = MaxPageSize
	}
	return p
}

// Slice returns the window of ids selected by the page.
func (p Page) Slice(ids []string) []string {
	p = p.Normalize()
	if p.Offset >= len(ids) {
		return []string{}
	}
	end := p.Offset + p.Limit
	if end > len(ids) {
		end = len(ids)
	}
	out := make([]string, end-p.Offset)
	copy(out, ids[p.Offset:end])
	return out
}
