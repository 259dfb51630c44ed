// Package snapshot decodes the readsb/tar1090 aircraft.json feed and the
// receiver.json station file.
package snapshot

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/hazyhaar/adsbalert/internal/watchlist"
)

// Source labels.
const (
	SourceADSB = "ADS-B"
	SourceMLAT = "MLAT"
	SourceTISB = "TIS-B"
)

// Altitude is a barometric altitude in feet, or on the ground.
type Altitude struct {
	Feet   *float64 `json:"feet,omitempty"`
	Ground bool     `json:"ground,omitempty"`
}

// Known reports whether the altitude carries a value.
func (a Altitude) Known() bool { return a.Ground || a.Feet != nil }

// UnmarshalJSON accepts a number or the string "ground".
func (a *Altitude) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if strings.EqualFold(s, "ground") {
			a.Ground = true
		}
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return fmt.Errorf("alt: %w", err)
	}
	a.Feet = &f
	return nil
}

// Aircraft is one observed aircraft.
type Aircraft struct {
	Hex          string   `json:"hex"`
	Registration string   `json:"registration,omitempty"`
	Callsign     string   `json:"callsign,omitempty"`
	TypeCode     string   `json:"type_code,omitempty"`
	Squawk       string   `json:"squawk,omitempty"`
	Lat          *float64 `json:"lat,omitempty"`
	Lon          *float64 `json:"lon,omitempty"`
	Altitude     Altitude `json:"altitude"`
	GroundSpeed  *float64 `json:"gs,omitempty"` // knots
	Track        *float64 `json:"track,omitempty"`
	Seen         *float64 `json:"seen,omitempty"` // seconds since last message
	Source       string   `json:"source"`
	// Receiver-relative range (NM converted to km) and bearing when readsb
	// knows the station position.
	RangeKm    *float64 `json:"range_km,omitempty"`
	BearingDeg *float64 `json:"bearing_deg,omitempty"`
}

// HasPosition reports whether both coordinates are present.
func (a Aircraft) HasPosition() bool { return a.Lat != nil && a.Lon != nil }

// Live reports whether the last message is at most maxSeen old. Aircraft
// without a seen value count as live.
func (a Aircraft) Live(maxSeen time.Duration) bool {
	if a.Seen == nil {
		return true
	}
	return *a.Seen <= maxSeen.Seconds()
}

// Snapshot is one decoded feed file.
type Snapshot struct {
	Now      time.Time
	Messages int64
	Aircraft []Aircraft
	// Skipped counts entries dropped for a missing, non-ICAO ("~") or
	// malformed hex.
	Skipped int
}

type rawSnapshot struct {
	Now      float64       `json:"now"`
	Messages int64         `json:"messages"`
	Aircraft []rawAircraft `json:"aircraft"`
}

type rawAircraft struct {
	Hex     string          `json:"hex"`
	Type    string          `json:"type"`
	R       string          `json:"r"`
	Flight  string          `json:"flight"`
	T       string          `json:"t"`
	Squawk  string          `json:"squawk"`
	Lat     *float64        `json:"lat"`
	Lon     *float64        `json:"lon"`
	AltBaro Altitude        `json:"alt_baro"`
	AltGeom Altitude        `json:"alt_geom"`
	GS      *float64        `json:"gs"`
	Track   *float64        `json:"track"`
	Seen    *float64        `json:"seen"`
	MLAT    json.RawMessage `json:"mlat"`
	TISB    json.RawMessage `json:"tisb"`
	RDst    *float64        `json:"r_dst"`
	RDir    *float64        `json:"r_dir"`
}

const kmPerNM = 1.852

// Decode parses an aircraft.json document. Unknown fields are ignored.
func Decode(data []byte) (Snapshot, error) {
	var raw rawSnapshot
	if err := json.Unmarshal(data, &raw); err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{Messages: raw.Messages}
	if raw.Now > 0 {
		sec, frac := math.Modf(raw.Now)
		snap.Now = time.Unix(int64(sec), int64(frac*1e9))
	}
	snap.Aircraft = make([]Aircraft, 0, len(raw.Aircraft))
	for _, ra := range raw.Aircraft {
		hex, ok := watchlist.NormalizeHex(ra.Hex)
		if !ok {
			snap.Skipped++
			continue
		}
		a := Aircraft{
			Hex:          hex,
			Registration: strings.TrimSpace(ra.R),
			Callsign:     strings.TrimSpace(ra.Flight),
			TypeCode:     strings.TrimSpace(ra.T),
			Squawk:       ra.Squawk,
			Lat:          ra.Lat,
			Lon:          ra.Lon,
			Altitude:     ra.AltBaro,
			GroundSpeed:  ra.GS,
			Track:        ra.Track,
			Seen:         ra.Seen,
			Source:       sourceLabel(ra),
			BearingDeg:   ra.RDir,
		}
		if !a.Altitude.Known() {
			a.Altitude = ra.AltGeom
		}
		if ra.RDst != nil {
			km := *ra.RDst * kmPerNM
			a.RangeKm = &km
		}
		snap.Aircraft = append(snap.Aircraft, a)
	}
	return snap, nil
}

// sourceLabel prefers the readsb "type" field and falls back to the
// mlat/tisb field lists.
func sourceLabel(ra rawAircraft) string {
	switch t := strings.ToLower(ra.Type); {
	case strings.HasPrefix(t, "mlat"):
		return SourceMLAT
	case strings.HasPrefix(t, "tisb"):
		return SourceTISB
	case t != "":
		return SourceADSB
	}
	if nonEmptyList(ra.MLAT) {
		return SourceMLAT
	}
	if nonEmptyList(ra.TISB) {
		return SourceTISB
	}
	return SourceADSB
}

func nonEmptyList(b json.RawMessage) bool {
	b = bytes.TrimSpace(b)
	return len(b) > 0 && !bytes.Equal(b, []byte("null")) && !bytes.Equal(b, []byte("[]"))
}
