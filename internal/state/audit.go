// OpenStream - Invite and Provisioning for Private Media Servers
// Copyright 2026 OpenStream Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/openstream/openstream

package state

import "github.com/google/uuid"

const (
	// maxEvents caps the audit ring buffer; the oldest entries are dropped
	// on overflow.
	maxEvents = 500

	// maxEventTextLen bounds messages and meta values so a chatty upstream
	// error can't balloon the state document.
	maxEventTextLen = 500
)

// Audit actors.
const (
	ActorAdmin  = "admin"
	ActorGuest  = "guest"
	ActorSystem = "system"
	ActorInvite = "invite"
)

// AddAuditEvent appends one event to the document's ring buffer and trims to
// the cap. Pure in-memory helper: the caller is responsible for wrapping it
// in LockedUpdate. Message and meta values are length-capped before storage.
// Secrets must never be placed in Message or Meta.
func AddAuditEvent(doc *Document, ev Event) {
	ev.ID = uuid.New().String()
	ev.At = nowMillis()
	ev.Message = truncate(ev.Message, maxEventTextLen)
	for k, v := range ev.Meta {
		ev.Meta[k] = truncate(v, maxEventTextLen)
	}

	doc.Events = append(doc.Events, ev)
	if overflow := len(doc.Events) - maxEvents; overflow > 0 {
		doc.Events = doc.Events[overflow:]
	}
}

// truncate caps s at n bytes.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
