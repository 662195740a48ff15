package stores

import (
	"time"

	"github.com/oarkflow/date"

	"github.com/oarkflow/datascope"
)

func parseFlexibleTime(s string) (time.Time, error) {
	return date.Parse(s)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func clonePermissions(perms []*datascope.Permission) []*datascope.Permission {
	out := make([]*datascope.Permission, 0, len(perms))
	for _, p := range perms {
		if p == nil {
			continue
		}
		dup := *p
		out = append(out, &dup)
	}
	return out
}

func cloneRoles(roles []*datascope.RoleAssignment) []*datascope.RoleAssignment {
	out := make([]*datascope.RoleAssignment, 0, len(roles))
	for _, r := range roles {
		if r == nil {
			continue
		}
		dup := *r
		out = append(out, &dup)
	}
	return out
}

func cloneTeam(t *datascope.Team) *datascope.Team {
	if t == nil {
		return nil
	}
	dup := *t
	dup.Members = append([]datascope.TeamMember(nil), t.Members...)
	return &dup
}

func cloneTeams(teams []*datascope.Team) []*datascope.Team {
	out := make([]*datascope.Team, 0, len(teams))
	for _, t := range teams {
		if t == nil {
			continue
		}
		out = append(out, cloneTeam(t))
	}
	return out
}
