package com

import (
	"time"

	"github.com/rs/xid"
)

// SessionID identifies one run of a stream. Guests reuse stream ids,
// session ids are never reused and sort by creation time.
type SessionID struct {
	xid.ID
}

func NewSessionID() SessionID { return SessionID{xid.New()} }

// Short is the log form of the id, its first and last three characters.
func (id SessionID) Short() string {
	s := id.String()
	return s[:3] + "." + s[len(s)-3:]
}

// Started returns the creation time carried by the id, second precision.
func (id SessionID) Started() time.Time { return id.Time() }
