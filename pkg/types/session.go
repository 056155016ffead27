package types

// Session is the persisted, client-visible summary of one conversation.
// The authoritative conversation data lives in the session's message
// store (internal/store); Session carries only what session/list and
// session/start need to describe without loading the whole tree.
type Session struct {
	ID        string      `json:"id"`
	ParentID  *string     `json:"parent_id,omitempty"`
	Directory string      `json:"directory"`
	Title     string      `json:"title"`
	Time      SessionTime `json:"time"`
}

// SessionTime contains timestamps for a session.
type SessionTime struct {
	Created int64  `json:"created"`
	Updated int64  `json:"updated"`
	Modified int64 `json:"modified,omitempty"`
}
