package auth

import (
	"encoding/json"

	"github.com/a-essam23/go-wsuser/pkg/frame"
	"github.com/a-essam23/go-wsuser/pkg/state"
)

// Alert levels carried in userinfo responses. Clients map them onto
// notification styling.
const (
	AlertSuccess = "alert-success"
	AlertWarning = "alert-warning"
	AlertInfo    = "alert-info"
)

// UserinfoCommand is the command name of every authentication response.
const UserinfoCommand = "userinfo"

// Userinfo is the uniform response body for all account operations.
// Fields mirror what clients render, so json tags are part of the wire
// contract.
type Userinfo struct {
	IsLogged      bool     `json:"isLogged"`
	Message       string   `json:"message,omitempty"`
	AlertType     string   `json:"alerttype,omitempty"`
	Email         string   `json:"email,omitempty"`
	Name          string   `json:"name,omitempty"`
	Organizations []string `json:"organizations,omitempty"`
	Roles         []string `json:"roles,omitempty"`
	SecurityCode  bool     `json:"securityCode,omitempty"`
	ResetPassword bool     `json:"resetPassword,omitempty"`
}

// WithUser copies the public identity fields of a user record into u.
func (u Userinfo) WithUser(rec *state.UserRecord) Userinfo {
	u.Email = rec.Email
	u.Name = rec.Name
	u.Organizations = rec.Organizations
	u.Roles = rec.Roles
	u.SecurityCode = rec.SecurityCode != ""
	return u
}

// WithSession copies identity fields from a live session entry.
func (u Userinfo) WithSession(entry *state.SessionEntry) Userinfo {
	u.Email = entry.Email
	u.Name = entry.Name
	u.Organizations = entry.Organizations
	u.Roles = entry.Roles
	return u
}

// Frame renders the userinfo command frame.
func (u Userinfo) Frame() string {
	data, err := json.Marshal(u)
	if err != nil {
		data = []byte("{}")
	}
	return frame.Format(UserinfoCommand, string(data))
}
