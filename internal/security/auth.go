package security

import "strings"

// Authorizer checks if a user is allowed to talk to the bot. Entries are
// either bare user IDs or channel-qualified ("telegram:123").
type Authorizer struct {
	allowedIDs map[string]bool
}

// NewAuthorizer creates an authorizer with the given allowed user IDs.
// If the list is empty, all users are allowed.
func NewAuthorizer(allowedIDs []string) *Authorizer {
	m := make(map[string]bool, len(allowedIDs))
	for _, id := range allowedIDs {
		if id = strings.TrimSpace(id); id != "" {
			m[id] = true
		}
	}
	return &Authorizer{allowedIDs: m}
}

// IsAllowed returns true if the user is authorized on channelName.
func (a *Authorizer) IsAllowed(channelName, userID string) bool {
	if a == nil || len(a.allowedIDs) == 0 {
		return true // no allowlist = allow all
	}
	return a.allowedIDs[userID] || a.allowedIDs[channelName+":"+userID]
}
