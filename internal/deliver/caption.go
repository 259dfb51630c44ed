package deliver

import (
	"fmt"
	"html"
	"net/url"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"github.com/hazyhaar/adsbalert/internal/geo"
	"github.com/hazyhaar/adsbalert/internal/notify"
	"github.com/hazyhaar/adsbalert/internal/snapshot"
)

// Caption defaults.
const (
	DefaultTitle  = "ADSB Alert Bot"
	DefaultFooter = "#adsb #alert"
)

// Captioner renders a decision as a Telegram-flavoured HTML caption.
// Watchlist and feed text is untrusted: markup is stripped and the rest
// escaped before it is placed between tags.
type Captioner struct {
	Title             string
	Footer            string
	Tar1090Base       string
	AirplanesLiveBase string
	Location          *time.Location // local timestamp; nil means time.Local
}

var strict = bluemonday.StrictPolicy()

// NewCaptioner returns a Captioner with the default title and footer.
func NewCaptioner() *Captioner {
	return &Captioner{Title: DefaultTitle, Footer: DefaultFooter}
}

func (c *Captioner) text(s string) string {
	return strings.TrimSpace(strict.Sanitize(strings.TrimSpace(s)))
}

func (c *Captioner) location() *time.Location {
	if c.Location == nil {
		return time.Local
	}
	return c.Location
}

// Render builds the caption. Lines without data are omitted.
func (c *Captioner) Render(d notify.Decision) string {
	e, a := d.Entry, d.Aircraft
	hex := strings.ToUpper(d.Hex)

	var lines []string
	title := "<b>" + c.text(c.Title) + "</b>"
	if e.List != "" {
		title += " • <i>" + c.text(e.List) + "</i>"
	}
	lines = append(lines, title)

	tail := firstNonEmpty(e.Registration, a.Registration)
	top := "<b>-</b>"
	if tail != "" {
		top = "<b>" + c.text(tail) + "</b>"
	}
	top += " • <b>ICAO:</b> <code>" + c.text(hex) + "</code>"
	if typ := firstNonEmpty(e.TypeCode, a.TypeCode); typ != "" {
		top += " • <code>" + c.text(typ) + "</code>"
	}
	lines = append(lines, top)

	if a.Callsign != "" {
		lines = append(lines, "<b>Flight:</b> <code>"+c.text(a.Callsign)+"</code>")
	}
	if e.Operator != "" {
		lines = append(lines, "<b>Operator:</b> "+c.text(e.Operator))
	}
	if e.DisplayName != "" {
		lines = append(lines, "<b>Aircraft:</b> "+c.text(e.DisplayName))
	}
	if e.Campaign != "" {
		lines = append(lines, "<b>Campaign:</b> "+c.text(e.Campaign))
	}
	lines = append(lines, strings.Join(c.liveParts(d), " • "))

	at := d.At
	lines = append(lines, fmt.Sprintf("%s (%s UTC)",
		at.In(c.location()).Format("02-01-2006 15:04:05"),
		at.UTC().Format("2006-01-02 15:04:05")))
	if c.Footer != "" {
		lines = append(lines, c.text(c.Footer))
	}

	var tags []string
	for _, t := range e.Tags {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, c.text(t))
		}
	}
	if len(tags) > 0 {
		lines = append(lines, strings.Join(tags, " | "))
	}
	if links := c.links(hex, e.Link); len(links) > 0 {
		lines = append(lines, strings.Join(links, " | "))
	}
	return strings.Join(lines, "\n")
}

func (c *Captioner) liveParts(d notify.Decision) []string {
	var parts []string
	if h := d.Altitude; h != nil {
		parts = append(parts, fmt.Sprintf("<b>Alt:</b> <code>%.0f</code> m (<code>%.0f</code> ft)", h.Metres, h.Feet))
	}
	if s := d.Speed; s != nil {
		parts = append(parts, fmt.Sprintf("<b>Speed:</b> <code>%.0f</code> %s", s.Value, html.EscapeString(string(s.Unit))))
	}
	if d.DistanceKm != nil {
		dist := fmt.Sprintf("<b>Dist:</b> <code>%.1f</code> km", *d.DistanceKm)
		if d.BearingDeg != nil {
			dist += fmt.Sprintf(" @ <code>%.0f</code>° %s", *d.BearingDeg, geo.Compass(*d.BearingDeg))
		}
		parts = append(parts, dist)
	}
	parts = append(parts,
		"<b>Seen today:</b> <code>"+notify.FormatDuration(d.State.TodayTotal())+"</code>",
		"<b>In view:</b> <code>"+notify.FormatDuration(d.State.Cumulative)+"</code>")
	if d.Aircraft.Seen != nil {
		parts = append(parts, fmt.Sprintf("<b>Last msg:</b> <code>%.0fs</code>", *d.Aircraft.Seen))
	}
	src := d.Aircraft.Source
	if src == "" {
		src = snapshot.SourceADSB
	}
	parts = append(parts, "<b>Source:</b> <code>"+c.text(src)+"</code>")
	return parts
}

func (c *Captioner) links(hex, info string) []string {
	var links []string
	q := "/?icao=" + url.QueryEscape(hex)
	if c.Tar1090Base != "" {
		links = append(links, `<a href="`+html.EscapeString(strings.TrimRight(c.Tar1090Base, "/")+q)+`">Tar1090</a>`)
	}
	if c.AirplanesLiveBase != "" {
		links = append(links, `<a href="`+html.EscapeString(strings.TrimRight(c.AirplanesLiveBase, "/")+q)+`">Airplanes.live</a>`)
	}
	if u, err := url.Parse(strings.TrimSpace(info)); err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != "" {
		links = append(links, `<a href="`+html.EscapeString(u.String())+`">Info</a>`)
	}
	return links
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
