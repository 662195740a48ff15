package datascope

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/oarkflow/datascope/logger"
)

// writableStub adds the seed-writer interfaces on top of stubSources so
// ApplyConfig can write grants through.
type writableStub struct {
	*stubSources
}

func newWritableStub() *writableStub { return &writableStub{stubSources: newStubSources()} }

func (w *writableStub) SetPermissions(ctx context.Context, subjectID, accountID string, perms []*Permission) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.perms[stubKey(subjectID, accountID)] = perms
	return nil
}

func (w *writableStub) SetRoles(ctx context.Context, subjectID, accountID string, roles []*RoleAssignment) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.roles[stubKey(subjectID, accountID)] = roles
	return nil
}

func (w *writableStub) PutTeam(ctx context.Context, team *Team) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, m := range team.Members {
		key := stubKey(m.UserID, team.AccountID)
		w.teams[key] = append(w.teams[key], team)
	}
	return nil
}

func demoConfig() *Config {
	return NewConfigBuilder().
		Version(2).
		Catalog(DataTypeBasicAnalytics, DataTypeUserAnalytics, DataTypeDetailedAnalytics, DataTypeFinancialData, DataTypePIIData, "support_tickets").
		TypePermission("support_tickets", "support.view").
		GrantRole("owner-olivia", "acc-acme", RoleAccountOwner).
		GrantPermission("analyst-amy", "acc-acme", PermAnalyticsView, CategoryAnalytics).
		GrantPermission("analyst-amy", "acc-acme", PermAnalyticsExport, CategoryAnalytics).
		AddTeam(NewTeamConfig("team-growth", "acc-acme").
			Name("Growth").
			AllowAnalytics(true).
			Member("analyst-amy", TeamRoleMember).
			Build()).
		EngineSettings(func(ec *EngineConfig) {
			ec.DecisionCacheTTL = time.Minute.Milliseconds()
		}).
		Build()
}

func TestConfigBuilderDefaults(t *testing.T) {
	cfg := NewConfigBuilder().Build()
	if cfg.Version != 1 {
		t.Fatalf("unexpected version: %d", cfg.Version)
	}
	if !sameStrings(cfg.Catalog, DataTypeBasicAnalytics, DataTypeUserAnalytics, DataTypeDetailedAnalytics, DataTypeFinancialData, DataTypePIIData) {
		t.Fatalf("unexpected default catalog: %v", cfg.Catalog)
	}
	if cfg.TypePermissions[DataTypeFinancialData] != PermBillingView || cfg.TypePermissions[DataTypePIIData] != PermSecurityView {
		t.Fatalf("unexpected default type permissions: %v", cfg.TypePermissions)
	}
	if cfg.Engine.DecisionCacheTTL != DefaultDecisionCacheTTL.Milliseconds() ||
		cfg.Engine.SweepInterval != DefaultSweepInterval.Milliseconds() ||
		cfg.Engine.SourceTimeout != DefaultSourceTimeout.Milliseconds() {
		t.Fatalf("unexpected default engine settings: %+v", cfg.Engine)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
}

func TestConfigRoundTripFormats(t *testing.T) {
	cfg := demoConfig()
	loader := NewConfigLoader()

	checkLoaded := func(name string, got *Config) {
		t.Helper()
		if got.Version != cfg.Version {
			t.Fatalf("%s: version lost: %d", name, got.Version)
		}
		if !sameStrings(got.Catalog, cfg.Catalog...) {
			t.Fatalf("%s: catalog lost: %v", name, got.Catalog)
		}
		if got.TypePermissions["support_tickets"] != "support.view" {
			t.Fatalf("%s: type permissions lost: %v", name, got.TypePermissions)
		}
		if len(got.Permissions) != 2 || got.Permissions[0].Subject != "analyst-amy" || got.Permissions[0].Category != CategoryAnalytics {
			t.Fatalf("%s: permission grants lost: %v", name, got.Permissions)
		}
		if len(got.Roles) != 1 || got.Roles[0].RoleID != RoleAccountOwner {
			t.Fatalf("%s: role grants lost: %v", name, got.Roles)
		}
		if len(got.Teams) != 1 || got.Teams[0].ID != "team-growth" || !got.Teams[0].AllowAnalytics {
			t.Fatalf("%s: teams lost: %v", name, got.Teams)
		}
		if len(got.Teams[0].Members) != 1 || got.Teams[0].Members[0].User != "analyst-amy" || got.Teams[0].Members[0].Role != string(TeamRoleMember) {
			t.Fatalf("%s: team members lost: %v", name, got.Teams[0].Members)
		}
		if got.Engine.DecisionCacheTTL != time.Minute.Milliseconds() {
			t.Fatalf("%s: engine settings lost: %+v", name, got.Engine)
		}
	}

	data, err := cfg.ToYAML()
	if err != nil {
		t.Fatalf("ToYAML: %v", err)
	}
	got, err := loader.LoadYAML(data)
	if err != nil {
		t.Fatalf("LoadYAML: %v", err)
	}
	checkLoaded("yaml", got)

	data, err = cfg.ToJSON()
	if err != nil {
		t.Fatalf("ToJSON: %v", err)
	}
	got, err = loader.LoadJSON(data)
	if err != nil {
		t.Fatalf("LoadJSON: %v", err)
	}
	checkLoaded("json", got)

	data, err = EncodeBinaryConfig(cfg)
	if err != nil {
		t.Fatalf("EncodeBinaryConfig: %v", err)
	}
	got, err = loader.LoadBinary(data)
	if err != nil {
		t.Fatalf("LoadBinary: %v", err)
	}
	checkLoaded("binary", got)
}

func TestBinaryConfigRejectsGarbage(t *testing.T) {
	loader := NewConfigLoader()
	if _, err := loader.LoadBinary([]byte("nonsense")); err == nil {
		t.Fatalf("expected error for bad magic")
	}
	// correct magic, unsupported protocol version
	if _, err := loader.LoadBinary([]byte{0x53, 0x44, 0x09, 0x00, 0x00, 0x00}); err == nil || !strings.Contains(err.Error(), "unsupported version") {
		t.Fatalf("expected version error, got %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	bad := []*Config{
		{Catalog: []string{""}},
		{TypePermissions: map[string]string{"": "x"}},
		{TypePermissions: map[string]string{"x": ""}},
		{Permissions: []PermissionGrant{{Account: "acc-1", Permission: "p"}}},
		{Permissions: []PermissionGrant{{Subject: "u", Account: "acc-1"}}},
		{Roles: []RoleGrant{{Subject: "u", Account: "acc-1"}}},
		{Teams: []TeamConfig{{ID: "t"}}},
		{Teams: []TeamConfig{{ID: "t", Account: "acc-1", Members: []TeamMemberConfig{{Role: "member"}}}}},
		{Teams: []TeamConfig{{ID: "t", Account: "acc-1", Members: []TeamMemberConfig{{User: "u", Role: "boss"}}}}},
		{Engine: EngineConfig{DecisionCacheTTL: -1}},
	}
	for i, cfg := range bad {
		if err := cfg.Validate(); err == nil {
			t.Fatalf("config %d: expected validation error", i)
		}
	}

	// permission grants may carry a category without an id
	ok := &Config{Permissions: []PermissionGrant{{Subject: "u", Account: "acc-1", Category: CategoryAnalytics}}}
	if err := ok.Validate(); err != nil {
		t.Fatalf("category-only grant must validate: %v", err)
	}
}

func TestApplyConfigSeedsAndReconfigures(t *testing.T) {
	ctx := context.Background()
	src := newWritableStub()
	eng, err := NewEngine(src, src, WithLogger(logger.NewNullLogger()))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	t.Cleanup(eng.Close)

	// prime a denial so the flush is observable
	result, err := eng.CheckAccess(ctx, "analyst-amy", "acc-acme", DataTypeBasicAnalytics, ActionView, nil)
	if err != nil {
		t.Fatalf("CheckAccess: %v", err)
	}
	if result.Granted {
		t.Fatalf("expected denial before seeding, got %+v", result)
	}

	if err := eng.ApplyConfig(ctx, demoConfig()); err != nil {
		t.Fatalf("ApplyConfig: %v", err)
	}

	// seeded grants take effect immediately because the cache was flushed
	result, err = eng.CheckAccess(ctx, "analyst-amy", "acc-acme", DataTypeBasicAnalytics, ActionView, nil)
	if err != nil {
		t.Fatalf("CheckAccess after apply: %v", err)
	}
	if !result.Granted {
		t.Fatalf("expected grant after seeding, got %+v", result)
	}

	// role grant landed
	scope, err := eng.ResolveScope(ctx, "owner-olivia", "acc-acme")
	if err != nil {
		t.Fatalf("ResolveScope: %v", err)
	}
	if scope.MaxTimeRangeDays != 365 {
		t.Fatalf("role seed did not land: %+v", scope)
	}

	// team seed landed
	scope, err = eng.ResolveScope(ctx, "analyst-amy", "acc-acme")
	if err != nil {
		t.Fatalf("ResolveScope analyst: %v", err)
	}
	if !sameStrings(scope.TeamIDs, "team-growth") {
		t.Fatalf("team seed did not land: %v", scope.TeamIDs)
	}

	// catalog and type permissions were swapped in
	if !sameStrings(eng.Catalog(), DataTypeBasicAnalytics, DataTypeUserAnalytics, DataTypeDetailedAnalytics, DataTypeFinancialData, DataTypePIIData, "support_tickets") {
		t.Fatalf("catalog not applied: %v", eng.Catalog())
	}
	result, err = eng.CheckAccess(ctx, "analyst-amy", "acc-acme", "support_tickets", ActionView, nil)
	if err != nil {
		t.Fatalf("CheckAccess support_tickets: %v", err)
	}
	if result.Granted || result.Reason != "User does not have required permission: support.view" {
		t.Fatalf("type permission not applied: %+v", result)
	}
}

func TestApplyConfigRejectsInvalid(t *testing.T) {
	ctx := context.Background()
	src := newWritableStub()
	eng, err := NewEngine(src, src, WithLogger(logger.NewNullLogger()))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	t.Cleanup(eng.Close)

	bad := &Config{Catalog: []string{""}}
	if err := eng.ApplyConfig(ctx, bad); err == nil {
		t.Fatalf("expected validation error")
	}
	if len(eng.Catalog()) != 5 {
		t.Fatalf("rejected config must not change the engine: %v", eng.Catalog())
	}
}

func TestEngineOptionsFromConfig(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock(time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC))
	src := newStubSources()
	src.setPerms("analyst-1", "acc-1", &Permission{ID: PermAnalyticsView, Category: CategoryAnalytics})

	cfg := demoConfig()
	opts := append(cfg.EngineOptions(), WithClock(clk), WithLogger(logger.NewNullLogger()))
	eng, err := NewEngine(src, src, opts...)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	t.Cleanup(eng.Close)

	if !sameStrings(eng.Catalog(), cfg.Catalog...) {
		t.Fatalf("catalog option not applied: %v", eng.Catalog())
	}

	// the configured one minute TTL governs expiry
	if _, err := eng.CheckAccess(ctx, "analyst-1", "acc-1", DataTypeBasicAnalytics, ActionView, nil); err != nil {
		t.Fatalf("CheckAccess: %v", err)
	}
	if _, err := eng.CheckAccess(ctx, "analyst-1", "acc-1", DataTypeBasicAnalytics, ActionView, nil); err != nil {
		t.Fatalf("CheckAccess cached: %v", err)
	}
	p1, _, _ := src.calls()
	if p1 != 1 {
		t.Fatalf("expected one upstream round, got %d", p1)
	}
	clk.advance(2 * time.Minute)
	if _, err := eng.CheckAccess(ctx, "analyst-1", "acc-1", DataTypeBasicAnalytics, ActionView, nil); err != nil {
		t.Fatalf("CheckAccess expired: %v", err)
	}
	p2, _, _ := src.calls()
	if p2 != 2 {
		t.Fatalf("expected refetch after configured TTL, got %d", p2)
	}
}

func TestBuilders(t *testing.T) {
	f := NewFilterBuilder("region").Operator(OpIn).Strings("us-east", "eu-west").Required(true).Build()
	if f.Field != "region" || f.Operator != OpIn || len(f.Values) != 2 || !f.Required {
		t.Fatalf("unexpected filter: %+v", f)
	}
	f = NewFilterBuilder("revenue").Range(100, 500).Build()
	if f.Operator != OpRange || len(f.Values) != 2 || f.Values[0].Num != 100 || f.Values[1].Num != 500 {
		t.Fatalf("unexpected range filter: %+v", f)
	}

	team := NewTeamBuilder("team-a", "acc-1").Name("Alpha").AllowAnalytics(true).Member("u1", TeamRoleOwner).Build()
	if team.ID != "team-a" || team.AccountID != "acc-1" || !team.Policy.AllowAnalytics {
		t.Fatalf("unexpected team: %+v", team)
	}
	if len(team.Members) != 1 || team.Members[0].Role != TeamRoleOwner {
		t.Fatalf("unexpected members: %+v", team.Members)
	}

	scope := NewRestrictionBuilder().MaxTimeRangeDays(180).AllowHistorical(true).Allow(DataTypeAll).AccountWide().PII(true).Build()
	if scope.MaxTimeRangeDays != 180 || !scope.AllowHistoricalData || !scope.CanViewAccountData || !scope.CanViewPII {
		t.Fatalf("unexpected scope: %+v", scope)
	}
	if !scope.AllowsDataType(DataTypeFinancialData) {
		t.Fatalf("wildcard allow list must admit every type")
	}

	scope = NewRestrictionBuilder().Teams("team-a", "team-b").Restrict(DataTypePIIData).Build()
	if !scope.CanViewTeamData || scope.CanViewOwnDataOnly || !sameStrings(scope.TeamIDs, "team-a", "team-b") {
		t.Fatalf("unexpected team scope: %+v", scope)
	}
	if !scope.RestrictsDataType(DataTypePIIData) || scope.RestrictsDataType(DataTypeBasicAnalytics) {
		t.Fatalf("unexpected restriction behavior: %+v", scope)
	}
}

func TestNewEngineFromConfig(t *testing.T) {
	ctx := context.Background()

	if _, err := NewEngineFromConfig(nil); err == nil {
		t.Fatal("expected error for nil config")
	}
	if _, err := NewEngineFromConfig(&Config{Catalog: []string{""}}); err == nil {
		t.Fatal("expected error for invalid config")
	}

	eng, err := NewEngineFromConfig(demoConfig(), WithLogger(logger.NewNullLogger()))
	if err != nil {
		t.Fatalf("NewEngineFromConfig: %v", err)
	}
	t.Cleanup(eng.Close)

	result, err := eng.CheckAccess(ctx, "analyst-amy", "acc-acme", DataTypeBasicAnalytics, ActionView, nil)
	if err != nil {
		t.Fatalf("CheckAccess: %v", err)
	}
	if !result.Granted {
		t.Fatalf("expected seeded analyst to be granted, reason=%s", result.Reason)
	}

	scope, err := eng.ResolveScope(ctx, "owner-olivia", "acc-acme")
	if err != nil {
		t.Fatalf("ResolveScope: %v", err)
	}
	if scope.MaxTimeRangeDays != 365 {
		t.Fatalf("expected admin scope for seeded owner, got %+v", scope)
	}

	scope, err = eng.ResolveScope(ctx, "analyst-amy", "acc-acme")
	if err != nil {
		t.Fatalf("ResolveScope: %v", err)
	}
	if !sameStrings(scope.TeamIDs, "team-growth") {
		t.Fatalf("expected seeded team membership, got %v", scope.TeamIDs)
	}

	if !sameStrings(eng.Catalog(), demoConfig().Catalog...) {
		t.Fatalf("unexpected catalog: %v", eng.Catalog())
	}

	// the seeded sources accept re-seeding through ApplyConfig
	next := NewConfigBuilder().
		Catalog(DataTypeBasicAnalytics).
		GrantPermission("viewer-victor", "acc-acme", PermAnalyticsView, "reporting").
		Build()
	if err := eng.ApplyConfig(ctx, next); err != nil {
		t.Fatalf("ApplyConfig: %v", err)
	}
	result, err = eng.CheckAccess(ctx, "viewer-victor", "acc-acme", DataTypeBasicAnalytics, ActionView, nil)
	if err != nil {
		t.Fatalf("CheckAccess: %v", err)
	}
	if !result.Granted {
		t.Fatalf("expected re-seeded viewer to be granted, reason=%s", result.Reason)
	}
}
