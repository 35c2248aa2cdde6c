// Package org resolves the organizational tree for one scope: the downward
// closure of subordinates under a member and the upward chain of superiors.
// Members carry a single superior reference; downward adjacency is inverted
// on demand from the snapshot rather than maintained incrementally.
package org

import "fieldops/api/internal/roles"

// Member is one node in the scope's tree. Retired members keep their place
// in the hierarchy, so traversal still passes through them, but access checks
// treat them as revoked.
type Member struct {
	ID         string
	Role       roles.Role
	SuperiorID string
	Retired    bool
}

// Snapshot is an immutable view of one scope's member list. All lookups are
// pure; a malformed graph (accidental cycle, dangling superior) must never
// cause a traversal to loop.
type Snapshot struct {
	byID    map[string]Member
	reports map[string][]string
}

func NewSnapshot(members []Member) *Snapshot {
	s := &Snapshot{
		byID:    make(map[string]Member, len(members)),
		reports: make(map[string][]string),
	}
	for _, m := range members {
		s.byID[m.ID] = m
		if m.SuperiorID != "" {
			s.reports[m.SuperiorID] = append(s.reports[m.SuperiorID], m.ID)
		}
	}
	return s
}

func (s *Snapshot) Member(id string) (Member, bool) {
	m, ok := s.byID[id]
	return m, ok
}

// Subordinates returns every member anywhere beneath id, not just direct
// reports. The id itself is not included.
func (s *Snapshot) Subordinates(id string) []string {
	visited := map[string]struct{}{id: {}}
	queue := append([]string(nil), s.reports[id]...)
	out := make([]string, 0, len(queue))
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if _, seen := visited[current]; seen {
			continue
		}
		visited[current] = struct{}{}
		out = append(out, current)
		queue = append(queue, s.reports[current]...)
	}
	return out
}

// SuperiorChain returns the ordered ancestors of id, nearest first, ending
// at a member with no superior. A cycle terminates the walk at the first
// repeated id.
func (s *Snapshot) SuperiorChain(id string) []string {
	visited := map[string]struct{}{id: {}}
	chain := []string{}
	current, ok := s.byID[id]
	if !ok {
		return chain
	}
	for current.SuperiorID != "" {
		next := current.SuperiorID
		if _, seen := visited[next]; seen {
			break
		}
		visited[next] = struct{}{}
		chain = append(chain, next)
		current, ok = s.byID[next]
		if !ok {
			break
		}
	}
	return chain
}
