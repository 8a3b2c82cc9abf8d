package telegraph

import (
	"strings"

	"golang.org/x/text/cases"
)

// Page is an app screen a user can report against. Pages with sections
// prompt for one during the suggestion flow.
type Page struct {
	Name     string
	Sections []string
}

// HasSections reports whether the page prompts for a section.
func (p Page) HasSections() bool { return len(p.Sections) > 0 }

// Catalog is the ordered list of known pages, looked up by a case-folded key.
type Catalog struct {
	pages []Page
	index map[string]int
}

// DefaultPages is the app's page list in keyboard order.
var DefaultPages = []Page{
	{Name: "Budget", Sections: []string{"Expenses", "Income", "Accounts", "Plan"}},
	{Name: "Profile"},
	{Name: "Feed", Sections: []string{"News", "Kase", "Media", "Authors"}},
	{Name: "Investments", Sections: []string{"All", "Deposit", "Stock market", "Crowdfunding", "Equity business", "Cryptocurrency"}},
	{Name: "Debts", Sections: []string{"All", "Loans", "Installments", "My debts", "My debtors"}},
	{Name: "Other"},
}

// NewCatalog builds a Catalog from pages. Later duplicates of a key are
// ignored.
func NewCatalog(pages []Page) *Catalog {
	c := &Catalog{
		index: make(map[string]int, len(pages)),
	}
	for _, p := range pages {
		k := c.key(p.Name)
		if _, dup := c.index[k]; dup {
			continue
		}
		c.index[k] = len(c.pages)
		c.pages = append(c.pages, p)
	}
	return c
}

// key normalizes a label. A Caser is stateful, so each call gets its own.
func (c *Catalog) key(label string) string {
	return cases.Fold().String(strings.Join(strings.Fields(label), " "))
}

// Lookup finds the page matching label. Labels outside the catalog are
// accepted by the conversation but have no sections.
func (c *Catalog) Lookup(label string) (Page, bool) {
	i, ok := c.index[c.key(label)]
	if !ok {
		return Page{}, false
	}
	return c.pages[i], true
}

// Sections returns the sections for label, or nil.
func (c *Catalog) Sections(label string) []string {
	p, ok := c.Lookup(label)
	if !ok || !p.HasSections() {
		return nil
	}
	return p.Sections
}

// PageKeyboard lays out the page names two per row followed by a Cancel row.
func (c *Catalog) PageKeyboard() [][]string {
	names := make([]string, len(c.pages))
	for i, p := range c.pages {
		names[i] = p.Name
	}
	return keyboard(names)
}

// SectionKeyboard lays out the sections of label two per row followed by a
// Cancel row.
func (c *Catalog) SectionKeyboard(label string) [][]string {
	return keyboard(c.Sections(label))
}

func keyboard(options []string) [][]string {
	var rows [][]string
	for i := 0; i < len(options); i += 2 {
		end := min(i+2, len(options))
		rows = append(rows, append([]string(nil), options[i:end]...))
	}
	return append(rows, []string{cancelToken})
}
