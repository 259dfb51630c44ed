// Package watchlist loads curated aircraft lists (CSV) into an in-memory
// index keyed by ICAO 24-bit address.
package watchlist

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Entry is one curated aircraft.
type Entry struct {
	Hex          string   `json:"hex"`
	Registration string   `json:"registration,omitempty"`
	Operator     string   `json:"operator,omitempty"`
	DisplayName  string   `json:"display_name,omitempty"` // aircraft description ("type" column)
	TypeCode     string   `json:"type_code,omitempty"`    // ICAO type designator
	Campaign     string   `json:"campaign,omitempty"`
	Tags         []string `json:"tags,omitempty"`
	Category     string   `json:"category,omitempty"`
	Link         string   `json:"link,omitempty"`
	Photos       []string `json:"photos,omitempty"`
	List         string   `json:"list"`
}

// ErrNoHexColumn is returned by Parse when the header has no hex column.
var ErrNoHexColumn = errors.New("watchlist: header has no hex column")

// minPhotoURL is the length a cleaned photo URL must exceed to be kept.
const minPhotoURL = 20

// NormalizeHex upper-cases and trims s and reports whether it is a 6-digit
// hex ICAO address.
func NormalizeHex(s string) (string, bool) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if len(s) != 6 {
		return s, false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9' || c >= 'A' && c <= 'F') {
			return s, false
		}
	}
	return s, true
}

// columnKey folds header variants ("$Tag 1", "icao_type", "IMG1") to a
// comparable key.
func columnKey(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	h = strings.TrimLeft(h, "$#\ufeff")
	return strings.NewReplacer(" ", "", "_", "", "-", "").Replace(h)
}

type columns struct {
	hex, reg, operator, typ, icaoType, cmpg, category, link int
	tags                                                    []int
	photos                                                  []int
}

func mapHeader(header []string) (columns, error) {
	c := columns{hex: -1, reg: -1, operator: -1, typ: -1, icaoType: -1, cmpg: -1, category: -1, link: -1}
	for i, h := range header {
		switch k := columnKey(h); {
		case k == "hex" || k == "icao24":
			c.hex = i
		case k == "reg" || k == "registration":
			c.reg = i
		case k == "operator":
			c.operator = i
		case k == "type":
			c.typ = i
		case k == "icao" || k == "icaotype":
			c.icaoType = i
		case k == "cmpg":
			c.cmpg = i
		case k == "category":
			c.category = i
		case k == "link":
			c.link = i
		case k == "tag1" || k == "tag2" || k == "tag3":
			c.tags = append(c.tags, i)
		case strings.HasPrefix(k, "img") || strings.HasPrefix(k, "image") || strings.HasPrefix(k, "photo"):
			c.photos = append(c.photos, i)
		}
	}
	if c.hex < 0 {
		return c, ErrNoHexColumn
	}
	return c, nil
}

// Parse reads a header-driven CSV list. Rows whose hex is not 6 hex digits
// are skipped and counted. Unknown columns are ignored.
func Parse(list string, r io.Reader) (entries []Entry, skipped int, err error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil, 0, fmt.Errorf("watchlist: %s: empty file", list)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("watchlist: %s: read header: %w", list, err)
	}
	cols, err := mapHeader(header)
	if err != nil {
		return nil, 0, err
	}

	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, 0, fmt.Errorf("watchlist: %s: %w", list, err)
		}
		if len(row) == 0 || (len(row) == 1 && strings.TrimSpace(row[0]) == "") {
			continue
		}
		hex, ok := NormalizeHex(cell(row, cols.hex))
		if !ok {
			skipped++
			continue
		}
		e := Entry{
			Hex:          hex,
			Registration: cell(row, cols.reg),
			Operator:     cell(row, cols.operator),
			DisplayName:  cell(row, cols.typ),
			TypeCode:     cell(row, cols.icaoType),
			Campaign:     cell(row, cols.cmpg),
			Category:     cell(row, cols.category),
			Link:         cell(row, cols.link),
			List:         list,
		}
		for _, i := range cols.tags {
			if t := cell(row, i); t != "" {
				e.Tags = append(e.Tags, t)
			}
		}
		for _, i := range cols.photos {
			if u := CleanPhotoURL(cell(row, i)); u != "" {
				e.Photos = append(e.Photos, u)
			}
		}
		entries = append(entries, e)
	}
	return entries, skipped, nil
}

func cell(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

// CleanPhotoURL extracts the first https:// URL from a cell that may hold
// Markdown or bracketed text, cutting at the first ']', ')' or space.
// Results of 20 characters or fewer are rejected and return "".
func CleanPhotoURL(s string) string {
	start := strings.Index(s, "https://")
	if start < 0 {
		return ""
	}
	u := s[start:]
	if end := strings.IndexAny(u, "]) "); end >= 0 {
		u = u[:end]
	}
	if len(u) <= minPhotoURL {
		return ""
	}
	return u
}
