// Package territory maps leaders to zones and zones to leaders. The
// assignment relation is many-to-many; a subzone inherits the leader set of
// its parent zone.
package territory

type Zone struct {
	ID           string
	Name         string
	ParentZoneID string
}

type Assignment struct {
	ZoneID   string
	MemberID string
}

// Assignments is a request-scoped view of one scope's zones and the
// zone/leader relation. Lookups are pure.
type Assignments struct {
	zones         map[string]Zone
	leadersByZone map[string][]string
	zonesByLeader map[string][]string
}

func NewAssignments(zones []Zone, assignments []Assignment) *Assignments {
	a := &Assignments{
		zones:         make(map[string]Zone, len(zones)),
		leadersByZone: make(map[string][]string),
		zonesByLeader: make(map[string][]string),
	}
	for _, z := range zones {
		a.zones[z.ID] = z
	}
	for _, row := range assignments {
		a.leadersByZone[row.ZoneID] = append(a.leadersByZone[row.ZoneID], row.MemberID)
		a.zonesByLeader[row.MemberID] = append(a.zonesByLeader[row.MemberID], row.ZoneID)
	}
	return a
}

func (a *Assignments) Zone(zoneID string) (Zone, bool) {
	z, ok := a.zones[zoneID]
	return z, ok
}

// ZonesOf returns the de-duplicated union of zones assigned to any id in
// memberIDs, plus every subzone whose parent is one of those zones.
func (a *Assignments) ZonesOf(memberIDs []string) []string {
	direct := make(map[string]struct{})
	for _, id := range memberIDs {
		for _, zoneID := range a.zonesByLeader[id] {
			direct[zoneID] = struct{}{}
		}
	}
	out := make([]string, 0, len(direct))
	seen := make(map[string]struct{}, len(direct))
	for zoneID := range direct {
		if _, dup := seen[zoneID]; !dup {
			seen[zoneID] = struct{}{}
			out = append(out, zoneID)
		}
	}
	// subzones reachable through a directly assigned parent
	for _, z := range a.zones {
		if z.ParentZoneID == "" {
			continue
		}
		if _, ok := direct[z.ParentZoneID]; !ok {
			continue
		}
		if _, dup := seen[z.ID]; !dup {
			seen[z.ID] = struct{}{}
			out = append(out, z.ID)
		}
	}
	return out
}

// LeadersOf returns the leaders assigned to zoneID, including those
// inherited from the parent zone when zoneID is a subzone.
func (a *Assignments) LeadersOf(zoneID string) []string {
	out := make([]string, 0)
	seen := make(map[string]struct{})
	for _, id := range a.leadersByZone[zoneID] {
		if _, dup := seen[id]; !dup {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	if z, ok := a.zones[zoneID]; ok && z.ParentZoneID != "" {
		for _, id := range a.leadersByZone[z.ParentZoneID] {
			if _, dup := seen[id]; !dup {
				seen[id] = struct{}{}
				out = append(out, id)
			}
		}
	}
	return out
}
