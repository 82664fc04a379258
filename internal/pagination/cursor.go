package pagination

// Cursor is the per-run pagination state of one adapter category. It is owned
// by a single run and never shared between goroutines.
type Cursor struct {
	Page      int
	StartPage int
	EndPage   int
	Accepted  int
	AvgPrice  float64

	priced int
	seen   map[string]struct{}
}

// NewCursor starts a cursor at startPage
func NewCursor(startPage, endPage int) *Cursor {
	if startPage < 1 {
		startPage = 1
	}
	if endPage < startPage {
		endPage = startPage
	}
	return &Cursor{
		Page:      startPage,
		StartPage: startPage,
		EndPage:   endPage,
		seen:      make(map[string]struct{}),
	}
}

// Seen reports whether id was already accepted or rejected in this run
func (c *Cursor) Seen(id string) bool {
	_, ok := c.seen[id]
	return ok
}

// Mark records id as seen
func (c *Cursor) Mark(id string) {
	c.seen[id] = struct{}{}
}

// SeenCount returns the number of distinct ids observed
func (c *Cursor) SeenCount() int {
	return len(c.seen)
}

// ObservePrice folds a price into the running average
func (c *Cursor) ObservePrice(price float64) {
	if price <= 0 {
		return
	}
	c.priced++
	c.AvgPrice += (price - c.AvgPrice) / float64(c.priced)
}

// LastPage reports whether the cursor reached its configured end
func (c *Cursor) LastPage() bool {
	return c.Page >= c.EndPage
}
