package models

// ConversationKind distinguishes one-to-one and group conversations.
type ConversationKind string

const (
	KindDirect ConversationKind = "direct"
	KindGroup  ConversationKind = "group"
)

// Role is a participant role inside a conversation.
type Role string

const (
	RoleMentor  Role = "mentor"
	RoleStudent Role = "student"
)

// Member is one participant of a conversation.
type Member struct {
	IdentityID string `json:"identity_id"`
	Role       Role   `json:"role"`
}

// Conversation is a direct or group channel between identities.
type Conversation struct {
	ID      string           `json:"id"`
	Kind    ConversationKind `json:"kind"`
	Members []Member         `json:"members"`
}

// RoleOf returns the role of identityID, if it is a member.
func (c Conversation) RoleOf(identityID string) (Role, bool) {
	for _, member := range c.Members {
		if member.IdentityID == identityID {
			return member.Role, true
		}
	}
	return "", false
}

// PeerOf returns the other participant of a direct conversation.
func (c Conversation) PeerOf(identityID string) string {
	if c.Kind != KindDirect {
		return ""
	}
	for _, member := range c.Members {
		if member.IdentityID != identityID {
			return member.IdentityID
		}
	}
	return ""
}

// ConversationSummary is one row of the message-store conversation listing.
type ConversationSummary struct {
	Conversation
	// Unread holds the direct-conversation count for the requesting identity.
	Unread int `json:"unread"`
	// UnreadByRole holds one counter per role for group conversations.
	UnreadByRole map[Role]int `json:"unread_by_role,omitempty"`
	LastMessage  *Message     `json:"last_message,omitempty"`
}

// UnreadFor selects the counter that belongs to the viewer.
func (s ConversationSummary) UnreadFor(viewerID string) int {
	count := s.Unread
	if s.Kind == KindGroup {
		role, ok := s.RoleOf(viewerID)
		if !ok {
			return 0
		}
		count = s.UnreadByRole[role]
	}
	if count < 0 {
		return 0
	}
	return count
}
