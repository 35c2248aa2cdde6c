// Package access is the authorization core for conversations. Decisions are
// fail-closed: any case not explicitly allowed is a deny.
package access

import (
	"fieldops/api/internal/chatkey"
	"fieldops/api/internal/org"
	"fieldops/api/internal/roles"
	"fieldops/api/internal/territory"
)

const (
	KindBroadcast = "BROADCAST"
	KindZone      = "ZONE"
	KindDirect    = "DIRECT"
)

// Actor identifies the caller of a chat operation. MemberID is empty when
// the director acts: the director is a role tag, not a member row.
type Actor struct {
	MemberID string
	Role     roles.Role
}

func (a Actor) IsDirector() bool {
	return a.Role == roles.RoleDirector
}

// Conversation carries the fields an access decision needs.
type Conversation struct {
	Kind       string
	ZoneID     string
	MemberRefs []string
}

// Evaluator decides conversation access for one scope. The org snapshot and
// territory assignments are loaded once per request and shared across every
// decision taken while serving it.
type Evaluator struct {
	org       *org.Snapshot
	territory *territory.Assignments
}

func NewEvaluator(orgSnapshot *org.Snapshot, assignments *territory.Assignments) *Evaluator {
	return &Evaluator{org: orgSnapshot, territory: assignments}
}

// CanAccess reports whether actor may see or post to conv.
func (e *Evaluator) CanAccess(actor Actor, conv Conversation) bool {
	if actor.IsDirector() {
		return true
	}
	if actor.MemberID == "" {
		return false
	}
	// Retirement revokes conversation access. The member stays in the org
	// snapshot so subordinates still resolve zones through the chain above.
	member, ok := e.org.Member(actor.MemberID)
	if !ok || member.Retired {
		return false
	}
	switch conv.Kind {
	case KindBroadcast:
		return true
	case KindZone:
		return e.zoneReachable(actor.MemberID, conv.ZoneID)
	case KindDirect:
		for _, ref := range conv.MemberRefs {
			if ref == actor.MemberID {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// ZoneExists reports whether the zone is known to this scope.
func (e *Evaluator) ZoneExists(zoneID string) (territory.Zone, bool) {
	return e.territory.Zone(zoneID)
}

// zoneReachable holds when the actor is a leader assigned to the zone or a
// subordinate anywhere beneath such a leader. Any qualifying ancestor is
// sufficient; there is no precedence among them.
func (e *Evaluator) zoneReachable(memberID, zoneID string) bool {
	if zoneID == "" {
		return false
	}
	ids := append(e.org.SuperiorChain(memberID), memberID)
	for _, reachable := range e.territory.ZonesOf(ids) {
		if reachable == zoneID {
			return true
		}
	}
	return false
}

// DirectorFacing reports whether a direct conversation's membership includes
// the director sentinel.
func DirectorFacing(memberRefs []string) bool {
	for _, ref := range memberRefs {
		if ref == chatkey.DirectorSentinel {
			return true
		}
	}
	return false
}
