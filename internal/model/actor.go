package model

// ActorRole is the access tier of the user driving a run. Role is threaded
// explicitly from the caller; it is never inferred from actor attributes.
type ActorRole string

const (
	ActorRoleAdmin  ActorRole = "admin"
	ActorRoleMember ActorRole = "member"
	// ActorRoleClient is the most restricted tier: internal-notes fields and
	// confidential files are suppressed from any context built for it.
	ActorRoleClient ActorRole = "client"
)

func (r ActorRole) Valid() bool {
	switch r {
	case ActorRoleAdmin, ActorRoleMember, ActorRoleClient:
		return true
	}
	return false
}

// Actor identifies the user on whose behalf a run executes.
type Actor struct {
	ID          int64     `json:"id"`
	WorkspaceID int64     `json:"workspace_id"`
	Role        ActorRole `json:"role"`
}
