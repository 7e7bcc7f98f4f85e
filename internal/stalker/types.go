// Package stalker implements a client for Stalker middleware portals.
//
// Portals are set-top-box oriented and loose with types: numeric fields come
// back as strings or numbers depending on the middleware version, and every
// response is wrapped in a {"js": ...} envelope.
package stalker

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// FlexString is a string that also accepts JSON numbers.
type FlexString string

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexString) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		*f = ""
		return nil
	}
	if len(s) > 0 && s[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		*f = FlexString(str)
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(data, &num); err != nil {
		return fmt.Errorf("unmarshaling flexible string: %w", err)
	}
	*f = FlexString(num.String())
	return nil
}

// String returns the underlying string.
func (f FlexString) String() string {
	return string(f)
}

// FlexInt64 is an int64 that also accepts JSON strings.
type FlexInt64 int64

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexInt64) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" || s == `""` {
		*f = 0
		return nil
	}
	s = strings.Trim(s, `"`)
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("unmarshaling flexible int: %w", err)
	}
	*f = FlexInt64(n)
	return nil
}

// Channel is a single entry from a portal channel listing.
type Channel struct {
	ID      FlexString `json:"id"`
	Name    string     `json:"name"`
	Number  FlexString `json:"number"`
	GenreID FlexString `json:"tv_genre_id"`
	Cmd     string     `json:"cmd"`
	Logo    string     `json:"logo"`
}

// Genre is a single entry from a portal genre listing.
type Genre struct {
	ID    FlexString `json:"id"`
	Title string     `json:"title"`
}

// Programme is a single EPG entry for a channel.
type Programme struct {
	Name           string    `json:"name"`
	Description    string    `json:"descr"`
	StartTimestamp FlexInt64 `json:"start_timestamp"`
	StopTimestamp  FlexInt64 `json:"stop_timestamp"`
}

// Profile is the portal's STB profile response. Only presence matters for
// session setup; the fields are kept for the admin API.
type Profile map[string]any
