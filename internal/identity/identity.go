// Package identity resolves an ICAO address to a registration and aircraft
// type through an ordered chain of caches.
package identity

import "strings"

// Identity is what the chain resolves. Empty fields are unknown.
type Identity struct {
	Registration string `json:"registration"`
	Type         string `json:"type"`
}

// Complete reports whether both fields are known.
func (id Identity) Complete() bool {
	return id.Registration != "" && id.Type != ""
}

// IsZero reports whether neither field is known.
func (id Identity) IsZero() bool {
	return id.Registration == "" && id.Type == ""
}

// Fill returns id with its empty fields taken from other.
func (id Identity) Fill(other Identity) Identity {
	if id.Registration == "" {
		id.Registration = other.Registration
	}
	if id.Type == "" {
		id.Type = other.Type
	}
	return id
}

// clean drops the unavailable marker and surrounding space that older
// cache objects may carry.
func clean(s string) string {
	s = strings.TrimSpace(s)
	if s == "N/A" {
		return ""
	}
	return s
}

func newIdentity(reg, typ string) Identity {
	return Identity{Registration: clean(reg), Type: clean(typ)}
}
