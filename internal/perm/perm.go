// Package perm is the capability-check boundary. The communication core only
// ever asks "may I?"; how permissions are computed (role tables, branch
// scoping) lives outside this module.
package perm

import "errors"

// ErrDenied is returned by callers when the oracle refuses a capability.
var ErrDenied = errors.New("permission denied")

// Capability names the core queries.
const (
	CapChatSend     = "chat.send"
	CapChatCreate   = "chat.create"
	CapCallInitiate = "call.initiate"
)

// Oracle answers capability queries for the local user.
type Oracle interface {
	HasPermission(name string) bool
}

// Static is a fixed permission table, handy for tests and for deployments
// that push the whole table down at login.
type Static map[string]bool

func (s Static) HasPermission(name string) bool { return s[name] }

// AllowAll grants everything. Used when no oracle is configured.
type AllowAll struct{}

func (AllowAll) HasPermission(string) bool { return true }
