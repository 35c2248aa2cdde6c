// Package chatkey derives the conversation key for a scope. The key is the
// uniqueness handle for a conversation row: two requests describing the same
// conversation, in either participant order, must produce the same key.
package chatkey

// DirectorSentinel stands in for the director in direct-conversation keys
// and membership rows. The director is a role, not a member row, so it never
// takes part in the lexicographic participant sort.
const DirectorSentinel = "@director"

func Broadcast(scopeID string) string {
	return scopeID + ":all"
}

func Zone(scopeID, zoneID string) string {
	return scopeID + ":zone:" + zoneID
}

// Direct returns the key for a pairwise conversation between two members.
// Participants are sorted so Direct(a, b) == Direct(b, a).
func Direct(scopeID, memberA, memberB string) string {
	lo, hi := memberA, memberB
	if hi < lo {
		lo, hi = hi, lo
	}
	return scopeID + ":dm:" + lo + ":" + hi
}

// DirectorDirect returns the key for a direct conversation between the
// director and one member.
func DirectorDirect(scopeID, memberID string) string {
	return scopeID + ":dm:" + DirectorSentinel + ":" + memberID
}
