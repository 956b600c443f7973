package models

import (
	"time"
)

// Scope selects whether an identity refers to a user or a team
type Scope string

const (
	ScopeUser Scope = "user"
	ScopeTeam Scope = "team"
)

// IsValid reports whether the string is a known scope
func (s Scope) IsValid() bool {
	return s == ScopeUser || s == ScopeTeam
}

// AccessLevel orders grant strength as admin > write > read
type AccessLevel string

const (
	AccessLevelRead  AccessLevel = "read"
	AccessLevelWrite AccessLevel = "write"
	AccessLevelAdmin AccessLevel = "admin"
)

// Rank returns the ordering value of the level; unknown levels rank lowest
func (l AccessLevel) Rank() int {
	switch l {
	case AccessLevelAdmin:
		return 3
	case AccessLevelWrite:
		return 2
	case AccessLevelRead:
		return 1
	}
	return 0
}

// Satisfies reports whether the level meets or exceeds the required one
func (l AccessLevel) Satisfies(required AccessLevel) bool {
	return l.Rank() >= required.Rank() && l.Rank() > 0
}

// Identity is the opaque caller identity the core receives. Team-scoped
// identities carry both identifiers.
type Identity struct {
	UserID string `json:"user_id,omitempty"`
	TeamID string `json:"team_id,omitempty"`
	Scope  Scope  `json:"scope"`
}

// SessionLink associates an opaque session id with an identity
type SessionLink struct {
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id,omitempty"`
	TeamID    string    `json:"team_id,omitempty"`
	Scope     Scope     `json:"scope"`
	LinkedAt  time.Time `json:"linked_at"`
}

// Identity returns the identity this link resolves to
func (l *SessionLink) Identity() Identity {
	return Identity{UserID: l.UserID, TeamID: l.TeamID, Scope: l.Scope}
}

// AccessGrant binds an identity (or everyone, when both ids are empty) to an
// index at an access level. An expiry in the past means the grant is not in
// force.
type AccessGrant struct {
	UserID      string      `json:"user_id,omitempty"`
	TeamID      string      `json:"team_id,omitempty"`
	Scope       Scope       `json:"scope"`
	IndexName   string      `json:"index_name"`
	AccessLevel AccessLevel `json:"access_level"`
	GrantedBy   string      `json:"granted_by"`
	GrantedAt   time.Time   `json:"granted_at"`
	ExpiresAt   *time.Time  `json:"expires_at,omitempty"`
}

// InForce reports whether the grant applies at the given instant
func (g *AccessGrant) InForce(now time.Time) bool {
	return g.ExpiresAt == nil || g.ExpiresAt.After(now)
}

// Universal reports whether the grant applies to every identity
func (g *AccessGrant) Universal() bool {
	return g.UserID == "" && g.TeamID == ""
}

// Matches reports whether the grant covers the identity
func (g *AccessGrant) Matches(id Identity) bool {
	if g.Universal() {
		return true
	}
	if g.Scope != id.Scope {
		return false
	}
	switch id.Scope {
	case ScopeUser:
		return g.UserID != "" && g.UserID == id.UserID
	case ScopeTeam:
		return g.TeamID != "" && g.TeamID == id.TeamID
	}
	return false
}
