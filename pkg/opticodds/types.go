package opticodds

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Sport is one entry of the sport catalogue.
type Sport struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// League is one entry of the league catalogue for a sport.
type League struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// catalogueEntry covers the common shape of catalogue items. The upstream
// uses several name fields depending on endpoint, so all are decoded.
type catalogueEntry struct {
	RawID          json.RawMessage `json:"id"`
	Name           string          `json:"name"`
	Title          string          `json:"title"`
	DisplayNameAlt string          `json:"display_name"`

	ID string `json:"-"`
}

func (e *catalogueEntry) UnmarshalJSON(b []byte) error {
	type alias catalogueEntry
	var a alias
	if err := json.Unmarshal(b, &a); err != nil {
		// Some catalogues return bare strings.
		var s string
		if err2 := json.Unmarshal(b, &s); err2 == nil {
			*e = catalogueEntry{ID: strings.TrimSpace(s)}
			return nil
		}
		return err
	}
	*e = catalogueEntry(a)
	e.ID = rawToString(e.RawID)
	return nil
}

// DisplayName picks name, title or display_name, in that order.
func (e *catalogueEntry) DisplayName() string {
	for _, s := range []string{e.Name, e.Title, e.DisplayNameAlt} {
		if v := strings.TrimSpace(s); v != "" {
			return v
		}
	}
	return ""
}

func rawToString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		if f == float64(int64(f)) {
			return strconv.FormatInt(int64(f), 10)
		}
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return ""
}

// catalogueEnvelope is the standard {"data": [...]} response wrapper.
type catalogueEnvelope struct {
	Data []catalogueEntry `json:"data"`
}

// fixturesEnvelope decodes /fixtures/active, which wraps fixture objects
// in a data array but has been seen as a bare array too.
type fixturesEnvelope struct {
	Data []map[string]any `json:"data"`

	bare []map[string]any
}

func (f *fixturesEnvelope) UnmarshalJSON(b []byte) error {
	type alias fixturesEnvelope
	var a alias
	if err := json.Unmarshal(b, &a); err == nil {
		*f = fixturesEnvelope(a)
		return nil
	}
	var bare []map[string]any
	if err := json.Unmarshal(b, &bare); err != nil {
		return err
	}
	f.Data = nil
	f.bare = bare
	return nil
}

// Items returns the decoded fixture objects regardless of wrapper shape.
func (f *fixturesEnvelope) Items() []map[string]any {
	if len(f.Data) > 0 {
		return f.Data
	}
	return f.bare
}
