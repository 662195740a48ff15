package datascope

// Builders provide a fluent API for creating filters, teams and scope
// restrictions

// FilterBuilder builds a DataAccessFilter
type FilterBuilder struct {
	f DataAccessFilter
}

func NewFilterBuilder(field string) *FilterBuilder {
	return &FilterBuilder{f: DataAccessFilter{Field: field, Operator: OpEquals}}
}

func (b *FilterBuilder) Operator(op FilterOperator) *FilterBuilder { b.f.Operator = op; return b }
func (b *FilterBuilder) Required(required bool) *FilterBuilder     { b.f.Required = required; return b }
func (b *FilterBuilder) Values(values ...FilterValue) *FilterBuilder {
	b.f.Values = append(b.f.Values, values...)
	return b
}
func (b *FilterBuilder) Strings(values ...string) *FilterBuilder {
	b.f.Values = append(b.f.Values, StringValues(values...)...)
	return b
}
func (b *FilterBuilder) Numbers(values ...float64) *FilterBuilder {
	for _, v := range values {
		b.f.Values = append(b.f.Values, NumberValue(v))
	}
	return b
}
func (b *FilterBuilder) Bool(value bool) *FilterBuilder {
	b.f.Values = append(b.f.Values, BoolValue(value))
	return b
}
func (b *FilterBuilder) Range(low, high float64) *FilterBuilder {
	b.f.Operator = OpRange
	b.f.Values = []FilterValue{NumberValue(low), NumberValue(high)}
	return b
}
func (b *FilterBuilder) Build() DataAccessFilter { return b.f }

// TeamBuilder builds a Team
type TeamBuilder struct {
	t *Team
}

func NewTeamBuilder(id, accountID string) *TeamBuilder {
	return &TeamBuilder{t: &Team{ID: id, AccountID: accountID, Members: []TeamMember{}}}
}

func (b *TeamBuilder) Name(name string) *TeamBuilder { b.t.Name = name; return b }
func (b *TeamBuilder) AllowAnalytics(allow bool) *TeamBuilder {
	b.t.Policy.AllowAnalytics = allow
	return b
}
func (b *TeamBuilder) Member(userID string, role TeamRole) *TeamBuilder {
	b.t.Members = append(b.t.Members, TeamMember{UserID: userID, Role: role})
	return b
}
func (b *TeamBuilder) Build() *Team { return b.t }

// RestrictionBuilder builds a DataScopeRestriction for callers that assemble
// scopes by hand, outside the resolver ladder
type RestrictionBuilder struct {
	r *DataScopeRestriction
}

func NewRestrictionBuilder() *RestrictionBuilder {
	return &RestrictionBuilder{r: &DataScopeRestriction{
		MaxTimeRangeDays: defaultMaxTimeRangeDays,
		AllowedDataTypes: []string{DataTypeBasicAnalytics},
	}}
}

func (b *RestrictionBuilder) MaxTimeRangeDays(days int) *RestrictionBuilder {
	b.r.MaxTimeRangeDays = days
	return b
}
func (b *RestrictionBuilder) AllowHistorical(allow bool) *RestrictionBuilder {
	b.r.AllowHistoricalData = allow
	return b
}
func (b *RestrictionBuilder) Allow(dataTypes ...string) *RestrictionBuilder {
	b.r.AllowedDataTypes = append([]string(nil), dataTypes...)
	return b
}
func (b *RestrictionBuilder) Restrict(dataTypes ...string) *RestrictionBuilder {
	b.r.RestrictedDataTypes = append([]string(nil), dataTypes...)
	return b
}
func (b *RestrictionBuilder) OwnDataOnly() *RestrictionBuilder {
	b.r.CanViewOwnDataOnly = true
	b.r.CanViewTeamData = false
	b.r.CanViewAccountData = false
	return b
}
func (b *RestrictionBuilder) Teams(teamIDs ...string) *RestrictionBuilder {
	b.r.TeamIDs = append([]string(nil), teamIDs...)
	b.r.CanViewTeamData = len(b.r.TeamIDs) > 0
	b.r.CanViewOwnDataOnly = len(b.r.TeamIDs) == 0 && !b.r.CanViewAccountData
	return b
}
func (b *RestrictionBuilder) AccountWide() *RestrictionBuilder {
	b.r.CanViewAccountData = true
	b.r.CanViewTeamData = true
	b.r.CanViewOwnDataOnly = false
	return b
}
func (b *RestrictionBuilder) PII(allow bool) *RestrictionBuilder { b.r.CanViewPII = allow; return b }
func (b *RestrictionBuilder) Financial(allow bool) *RestrictionBuilder {
	b.r.CanViewFinancialData = allow
	return b
}
func (b *RestrictionBuilder) DetailedAnalytics(allow bool) *RestrictionBuilder {
	b.r.CanViewDetailedAnalytics = allow
	return b
}
func (b *RestrictionBuilder) Build() *DataScopeRestriction { return b.r }
