package state

import "slices"

// SessionEntry maps one user identity to the set of live connection
// identifiers currently authenticated as that user. An entry exists if and
// only if at least one connection holds it.
type SessionEntry struct {
	ConnIDs       []string `json:"connIDs"`
	Email         string   `json:"email"`
	Name          string   `json:"name"`
	Organizations []string `json:"organizations"`
	Roles         []string `json:"roles"`
}

// Has reports whether connID is a member of the entry.
func (e *SessionEntry) Has(connID string) bool {
	return slices.Contains(e.ConnIDs, connID)
}

// Clone returns an independent copy so callers cannot mutate registry state
// behind the writer's back.
func (e *SessionEntry) Clone() SessionEntry {
	c := *e
	c.ConnIDs = slices.Clone(e.ConnIDs)
	c.Organizations = slices.Clone(e.Organizations)
	c.Roles = slices.Clone(e.Roles)
	return c
}

// UserRecord is the persisted per-identity record, stored independently of
// session state. Password holds the salted hash, never plaintext.
type UserRecord struct {
	Email         string   `json:"email"`
	Password      string   `json:"password"`
	Name          string   `json:"name"`
	Organizations []string `json:"organizations"`
	Roles         []string `json:"roles"`
	IPAddresses   []string `json:"ip_addresses,omitempty"`
	SecurityCode  string   `json:"securityCode,omitempty"`
	ResetPassword bool     `json:"resetPassword,omitempty"`
}

// HasIP reports whether the record already accrued the given client address.
func (u *UserRecord) HasIP(ip string) bool {
	return slices.Contains(u.IPAddresses, ip)
}
