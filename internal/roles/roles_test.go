package roles

import "testing"

func TestCan(t *testing.T) {
	cases := []struct {
		role   Role
		action Action
		want   bool
	}{
		{RoleDirector, ActionChat, true},
		{RoleDirector, ActionArchive, true},
		{RoleDirector, ActionSearch, true},
		{RoleDirector, ActionOversee, true},
		{RoleLeader1, ActionChat, true},
		{RoleLeader1, ActionArchive, true},
		{RoleLeader2, ActionSearch, true},
		{RoleLeader3, ActionOversee, false},
		{RoleRank, ActionChat, true},
		{RoleRank, ActionArchive, false},
		{RoleRank, ActionSearch, false},
		{Role("GUEST"), ActionChat, false},
	}
	for _, tc := range cases {
		if got := Can(tc.role, tc.action); got != tc.want {
			t.Errorf("Can(%s, %s) = %v, want %v", tc.role, tc.action, got, tc.want)
		}
	}
}

func TestIsLeader(t *testing.T) {
	for _, role := range []Role{RoleLeader1, RoleLeader2, RoleLeader3} {
		if !IsLeader(role) {
			t.Errorf("IsLeader(%s) = false", role)
		}
	}
	if IsLeader(RoleDirector) {
		t.Error("IsLeader(DIRECTOR) = true")
	}
	if IsLeader(RoleRank) {
		t.Error("IsLeader(RANK) = true")
	}
}

func TestNormalizeDowngradesUnknown(t *testing.T) {
	if got := Normalize("LEADER_2"); got != RoleLeader2 {
		t.Errorf("Normalize(LEADER_2) = %s", got)
	}
	if got := Normalize("SUPERADMIN"); got != RoleRank {
		t.Errorf("Normalize(SUPERADMIN) = %s, want RANK", got)
	}
	if got := Normalize(""); got != RoleRank {
		t.Errorf("Normalize(empty) = %s, want RANK", got)
	}
}

func TestValid(t *testing.T) {
	if !Valid("DIRECTOR") || !Valid("RANK") || !Valid("LEADER_3") {
		t.Error("known roles reported invalid")
	}
	if Valid("") || Valid("admin") {
		t.Error("unknown roles reported valid")
	}
}
