package stores

import (
	"context"
	"testing"

	"github.com/oarkflow/datascope"
)

func TestMemoryPermissionSourceRoundtrip(t *testing.T) {
	ctx := context.Background()
	source := NewMemoryPermissionSource()

	if err := source.AddPermission(ctx, "user-1", "acc-1", &datascope.Permission{ID: "analytics.view", Category: "analytics"}); err != nil {
		t.Fatalf("add permission: %v", err)
	}
	if err := source.AddRole(ctx, "user-1", "acc-1", "account_admin"); err != nil {
		t.Fatalf("add role: %v", err)
	}

	perms, err := source.GetPermissions(ctx, "user-1", "acc-1")
	if err != nil {
		t.Fatalf("get permissions: %v", err)
	}
	if len(perms) != 1 || perms[0].ID != "analytics.view" {
		t.Fatalf("unexpected permissions: %+v", perms)
	}
	roles, err := source.GetRoles(ctx, "user-1", "acc-1")
	if err != nil {
		t.Fatalf("get roles: %v", err)
	}
	if len(roles) != 1 || roles[0].RoleID != "account_admin" {
		t.Fatalf("unexpected roles: %+v", roles)
	}

	// other tenants see nothing
	perms, _ = source.GetPermissions(ctx, "user-1", "acc-2")
	if len(perms) != 0 {
		t.Fatalf("expected no permissions in acc-2, got %d", len(perms))
	}

	if err := source.SetPermissions(ctx, "user-1", "acc-1", []*datascope.Permission{
		{ID: "analytics.export", Category: "analytics"},
		{ID: "billing.view", Category: "billing"},
	}); err != nil {
		t.Fatalf("set permissions: %v", err)
	}
	perms, _ = source.GetPermissions(ctx, "user-1", "acc-1")
	if len(perms) != 2 {
		t.Fatalf("expected replaced permissions, got %d", len(perms))
	}

	if err := source.RevokePermission(ctx, "user-1", "acc-1", "billing.view"); err != nil {
		t.Fatalf("revoke permission: %v", err)
	}
	perms, _ = source.GetPermissions(ctx, "user-1", "acc-1")
	if len(perms) != 1 || perms[0].ID != "analytics.export" {
		t.Fatalf("unexpected permissions after revoke: %+v", perms)
	}

	if err := source.RevokeRole(ctx, "user-1", "acc-1", "account_admin"); err != nil {
		t.Fatalf("revoke role: %v", err)
	}
	roles, _ = source.GetRoles(ctx, "user-1", "acc-1")
	if len(roles) != 0 {
		t.Fatalf("expected no roles after revoke, got %d", len(roles))
	}
}

func TestMemoryPermissionSourceCloneOnRead(t *testing.T) {
	ctx := context.Background()
	source := NewMemoryPermissionSource()
	_ = source.AddPermission(ctx, "user-1", "acc-1", &datascope.Permission{ID: "analytics.view", Category: "analytics"})

	perms, _ := source.GetPermissions(ctx, "user-1", "acc-1")
	perms[0].ID = "mutated"

	again, _ := source.GetPermissions(ctx, "user-1", "acc-1")
	if again[0].ID != "analytics.view" {
		t.Fatalf("store leaked internal state: %+v", again[0])
	}
}

func TestMemoryTeamSourceMembership(t *testing.T) {
	ctx := context.Background()
	source := NewMemoryTeamSource()
	defer source.Close()

	team := &datascope.Team{
		ID:        "team-1",
		AccountID: "acc-1",
		Name:      "Growth",
		Policy:    datascope.TeamPolicy{AllowAnalytics: true},
		Members: []datascope.TeamMember{
			{UserID: "user-1", Role: datascope.TeamRoleOwner},
			{UserID: "user-2", Role: datascope.TeamRoleViewer},
		},
	}
	if err := source.PutTeam(ctx, team); err != nil {
		t.Fatalf("put team: %v", err)
	}

	teams, err := source.GetTeams(ctx, "user-2", "acc-1")
	if err != nil {
		t.Fatalf("get teams: %v", err)
	}
	if len(teams) != 1 || teams[0].ID != "team-1" {
		t.Fatalf("unexpected teams: %+v", teams)
	}
	if len(teams[0].Members) != 2 {
		t.Fatalf("expected 2 members, got %d", len(teams[0].Members))
	}

	// mutations of the returned team do not leak back
	teams[0].Name = "mutated"
	got, err := source.GetTeam(ctx, "team-1", "acc-1")
	if err != nil {
		t.Fatalf("get team: %v", err)
	}
	if got.Name != "Growth" {
		t.Fatalf("store leaked internal state: %q", got.Name)
	}

	// same team id in another account is a different team
	teams, _ = source.GetTeams(ctx, "user-2", "acc-2")
	if len(teams) != 0 {
		t.Fatalf("expected no teams in acc-2, got %d", len(teams))
	}

	if err := source.RemoveTeam(ctx, "team-1", "acc-1"); err != nil {
		t.Fatalf("remove team: %v", err)
	}
	if _, err := source.GetTeam(ctx, "team-1", "acc-1"); err == nil {
		t.Fatalf("expected not found after remove")
	}
}

func TestMemoryTeamSourcePutRequiresIdentity(t *testing.T) {
	ctx := context.Background()
	source := NewMemoryTeamSource()
	defer source.Close()

	if err := source.PutTeam(ctx, &datascope.Team{ID: "", AccountID: "acc-1"}); err == nil {
		t.Fatalf("expected error for missing team id")
	}
	if err := source.PutTeam(ctx, nil); err == nil {
		t.Fatalf("expected error for nil team")
	}
}

func TestMemoryAuditStoreFilters(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryAuditStore()

	entries := []*datascope.AccessLogEntry{
		{ID: "e1", Subject: "user-1", Account: "acc-1", DataType: "basic_analytics", Action: datascope.ActionView, Granted: true},
		{ID: "e2", Subject: "user-1", Account: "acc-1", DataType: "pii_data", Action: datascope.ActionView, Granted: false, Reason: "Data type pii_data is restricted"},
		{ID: "e3", Subject: "user-2", Account: "acc-1", DataType: "basic_analytics", Action: datascope.ActionExport, Granted: true},
		{ID: "e4", Subject: "user-1", Account: "acc-2", DataType: "basic_analytics", Action: datascope.ActionView, Granted: true},
	}
	for _, e := range entries {
		if err := store.LogDecision(ctx, e); err != nil {
			t.Fatalf("log decision: %v", err)
		}
	}

	got, err := store.GetAccessLog(ctx, datascope.AuditFilter{Subject: "user-1", Account: "acc-1"})
	if err != nil {
		t.Fatalf("get access log: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}

	denied := false
	got, _ = store.GetAccessLog(ctx, datascope.AuditFilter{Granted: &denied})
	if len(got) != 1 || got[0].ID != "e2" {
		t.Fatalf("unexpected denied entries: %+v", got)
	}

	got, _ = store.GetAccessLog(ctx, datascope.AuditFilter{Account: "acc-1", Limit: 1})
	if len(got) != 1 {
		t.Fatalf("expected limit to cap results, got %d", len(got))
	}

	if store.Len() != 4 {
		t.Fatalf("expected 4 stored entries, got %d", store.Len())
	}
}
