package datascope

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oarkflow/datascope/logger"
	"github.com/oarkflow/datascope/utils"
)

// ============================================================================
// DOMAIN OBJECTS
// ============================================================================

// Action names what the caller wants to do with the data.
type Action string

const (
	ActionView      Action = "view"
	ActionExport    Action = "export"
	ActionShare     Action = "share"
	ActionDrillDown Action = "drill-down"
)

// actionCatalog fixes the derivation order for allowed/denied action sets.
var actionCatalog = []Action{ActionView, ActionExport, ActionShare, ActionDrillDown}

// Role ids that grant account-wide administration.
const (
	RoleAccountOwner = "account_owner"
	RoleAccountAdmin = "account_admin"
)

// Permission categories the engine matches on.
const (
	CategoryAnalytics      = "analytics"
	CategoryTeamManagement = "team_management"
)

// Well-known permission ids.
const (
	PermAnalyticsView   = "analytics.view"
	PermAnalyticsExport = "analytics.export"
	PermBillingView     = "billing.view"
	PermSecurityView    = "security.view"
)

// Data types of the default catalog. DataTypeAll is the wildcard sentinel
// valid inside AllowedDataTypes.
const (
	DataTypeBasicAnalytics    = "basic_analytics"
	DataTypeUserAnalytics     = "user_analytics"
	DataTypeDetailedAnalytics = "detailed_analytics"
	DataTypeFinancialData     = "financial_data"
	DataTypePIIData           = "pii_data"
	DataTypeAll               = "*"
)

// Field names used by scope-derived row filters.
const (
	FilterFieldUserID    = "userId"
	FilterFieldTeamID    = "teamId"
	FilterFieldAccountID = "accountId"
)

// Scope ladder values: admin > analytics > default.
const (
	adminMaxTimeRangeDays     = 365
	analyticsMaxTimeRangeDays = 90
	defaultMaxTimeRangeDays   = 30

	// historicalCutoffDays bounds how far back a range may start when the
	// scope forbids historical data.
	historicalCutoffDays = 30
)

// Denial reasons with no parameters. Parameterized reasons are formatted
// inline where the gate fires.
const (
	ReasonCheckFailed          = "Permission check failed"
	ReasonHistoricalNotAllowed = "Historical data access is not allowed"
)

// Permission is an upstream grant. The engine matches on exact ID or exact
// Category, never on patterns.
type Permission struct {
	ID       string `json:"id"`
	Category string `json:"category"`
}

// RoleAssignment binds a subject to a role within an account.
type RoleAssignment struct {
	RoleID string `json:"roleId"`
}

// TeamRole is a subject's standing inside a team.
type TeamRole string

const (
	TeamRoleOwner  TeamRole = "owner"
	TeamRoleAdmin  TeamRole = "admin"
	TeamRoleMember TeamRole = "member"
	TeamRoleViewer TeamRole = "viewer"
)

type TeamMember struct {
	UserID string   `json:"userId"`
	Role   TeamRole `json:"role"`
}

// TeamPolicy holds the per-team switches consulted by CheckTeamAccess.
type TeamPolicy struct {
	AllowAnalytics bool `json:"allowAnalytics"`
}

type Team struct {
	ID        string       `json:"teamId"`
	AccountID string       `json:"accountId"`
	Name      string       `json:"name,omitempty"`
	Policy    TeamPolicy   `json:"policy"`
	Members   []TeamMember `json:"members"`
}

// DataScopeRestriction is the effective scope resolved for one (subject,
// account) pair: how far back queries may reach, which data types are
// visible, and at which level (own rows, team rows, whole account).
type DataScopeRestriction struct {
	MaxTimeRangeDays         int      `json:"maxTimeRangeDays"`
	AllowHistoricalData      bool     `json:"allowHistoricalData"`
	AllowedDataTypes         []string `json:"allowedDataTypes"`
	RestrictedDataTypes      []string `json:"restrictedDataTypes"`
	CanViewOwnDataOnly       bool     `json:"canViewOwnDataOnly"`
	CanViewTeamData          bool     `json:"canViewTeamData"`
	CanViewAccountData       bool     `json:"canViewAccountData"`
	CanViewPII               bool     `json:"canViewPII"`
	CanViewFinancialData     bool     `json:"canViewFinancialData"`
	CanViewDetailedAnalytics bool     `json:"canViewDetailedAnalytics"`
	TeamIDs                  []string `json:"teamIds"`
}

// AllowsDataType checks the allow list. Entries may carry '*' wildcards; the
// bare "*" sentinel admits every type, plain names match exactly.
func (r *DataScopeRestriction) AllowsDataType(dataType string) bool {
	return utils.MatchAny(dataType, r.AllowedDataTypes)
}

// RestrictsDataType checks the deny list. Deny wins over allow.
func (r *DataScopeRestriction) RestrictsDataType(dataType string) bool {
	return utils.MatchAny(dataType, r.RestrictedDataTypes)
}

// permitDataType composes both scope gates in order: the allow list first,
// then the deny list, which always runs. A type present in both lists is
// denied.
func (r *DataScopeRestriction) permitDataType(dataType string) (string, bool) {
	if !r.AllowsDataType(dataType) {
		return fmt.Sprintf("Data type %s is not allowed", dataType), false
	}
	if r.RestrictsDataType(dataType) {
		return fmt.Sprintf("Data type %s is restricted", dataType), false
	}
	return "", true
}

func (r *DataScopeRestriction) Clone() *DataScopeRestriction {
	if r == nil {
		return nil
	}
	dup := *r
	dup.AllowedDataTypes = append([]string(nil), r.AllowedDataTypes...)
	dup.RestrictedDataTypes = append([]string(nil), r.RestrictedDataTypes...)
	dup.TeamIDs = append([]string(nil), r.TeamIDs...)
	return &dup
}

// DateRange bounds a query window. Both ends are inclusive.
type DateRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Days returns the span in fractional days.
func (r DateRange) Days() float64 {
	return r.End.Sub(r.Start).Hours() / 24
}

// RequestFilters carries the caller's query context. DateRange feeds the
// time-range gates; Fields are opaque to evaluation but distinguish cache
// entries.
type RequestFilters struct {
	DateRange *DateRange             `json:"dateRange,omitempty"`
	Fields    map[string]FilterValue `json:"fields,omitempty"`
}

// Signature renders a canonical form for cache keying. A nil receiver and an
// empty value collapse to the same signature; field keys are sorted.
func (f *RequestFilters) Signature() string {
	if f == nil || (f.DateRange == nil && len(f.Fields) == 0) {
		return ""
	}
	var sb strings.Builder
	if f.DateRange != nil {
		sb.WriteString("dr:")
		sb.WriteString(strconv.FormatInt(f.DateRange.Start.Unix(), 10))
		sb.WriteByte('-')
		sb.WriteString(strconv.FormatInt(f.DateRange.End.Unix(), 10))
	}
	if len(f.Fields) > 0 {
		keys := make([]string, 0, len(f.Fields))
		for k := range f.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			v := f.Fields[k]
			// JSON is canonical per tagged value, so "true" the string and
			// true the bool cannot collide
			enc, err := json.Marshal(v)
			if err != nil {
				continue
			}
			sb.WriteByte(';')
			sb.WriteString(k)
			sb.WriteByte('=')
			sb.Write(enc)
		}
	}
	return sb.String()
}

// PermissionCheckResult is the product of one access check. Results are
// immutable once produced: the decision cache hands the same value to every
// caller within the TTL, so treat every field as read-only.
type PermissionCheckResult struct {
	Granted        bool                  `json:"granted"`
	Reason         string                `json:"reason,omitempty"`
	Restrictions   *DataScopeRestriction `json:"restrictions,omitempty"`
	AllowedActions []Action              `json:"allowedActions"`
	DeniedActions  []Action              `json:"deniedActions"`
	AppliedFilters []DataAccessFilter    `json:"appliedFilters"`
}

func (r *PermissionCheckResult) Clone() *PermissionCheckResult {
	if r == nil {
		return nil
	}
	dup := *r
	dup.Restrictions = r.Restrictions.Clone()
	dup.AllowedActions = append([]Action(nil), r.AllowedActions...)
	dup.DeniedActions = append([]Action(nil), r.DeniedActions...)
	if r.AppliedFilters != nil {
		dup.AppliedFilters = make([]DataAccessFilter, len(r.AppliedFilters))
		for i, f := range r.AppliedFilters {
			f.Values = append([]FilterValue(nil), f.Values...)
			dup.AppliedFilters[i] = f
		}
	}
	return &dup
}

// AccessRequest names one access check for the batch and explain entry
// points.
type AccessRequest struct {
	Subject  string          `json:"subject"`
	Account  string          `json:"account"`
	DataType string          `json:"dataType"`
	Action   Action          `json:"action"`
	Filters  *RequestFilters `json:"filters,omitempty"`
}

// BatchCheckResult pairs a request with its outcome.
type BatchCheckResult struct {
	Request AccessRequest          `json:"request"`
	Result  *PermissionCheckResult `json:"result,omitempty"`
	Err     error                  `json:"-"`
}

// ============================================================================
// EXTERNAL SOURCES
// ============================================================================

// PermissionSource supplies a subject's grants and role assignments within
// an account. Implementations must be safe for concurrent use.
type PermissionSource interface {
	GetPermissions(ctx context.Context, subjectID, accountID string) ([]*Permission, error)
	GetRoles(ctx context.Context, subjectID, accountID string) ([]*RoleAssignment, error)
}

// TeamMembershipSource supplies the teams a subject belongs to within an
// account.
type TeamMembershipSource interface {
	GetTeams(ctx context.Context, subjectID, accountID string) ([]*Team, error)
}

// AccessLogEntry records one decision for the audit trail.
type AccessLogEntry struct {
	ID        string    `json:"id"`
	TraceID   string    `json:"traceId,omitempty"`
	Subject   string    `json:"subject"`
	Account   string    `json:"account"`
	DataType  string    `json:"dataType"`
	Action    Action    `json:"action"`
	Granted   bool      `json:"granted"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// AuditFilter narrows AccessLog reads. Zero values match everything.
type AuditFilter struct {
	Subject string
	Account string
	Granted *bool
	Limit   int
}

// AuditStore persists decision records.
type AuditStore interface {
	LogDecision(ctx context.Context, entry *AccessLogEntry) error
	GetAccessLog(ctx context.Context, filter AuditFilter) ([]*AccessLogEntry, error)
}

// ============================================================================
// ENGINE
// ============================================================================

// DefaultSourceTimeout bounds each upstream source call.
const DefaultSourceTimeout = 5 * time.Second

// Engine evaluates data-access requests. It resolves scopes from the
// injected sources, runs the permission and scope gates, derives row filters,
// and caches decisions.
type Engine struct {
	permissions PermissionSource
	teams       TeamMembershipSource
	audit       AuditStore

	cache       DecisionCache
	clock       Clock
	logger      logger.Logger
	traceIDFunc logger.TraceIDFunc

	cacheTTL      time.Duration
	cacheTTLSet   bool
	sourceTimeout time.Duration
	sweepInterval time.Duration
	sweepC        <-chan time.Time
	sweepTicker   *time.Ticker

	mu        sync.RWMutex // guards catalog and typePerms across ApplyConfig
	catalog   []string
	typePerms map[string]string

	auditCh   chan AccessLogEntry
	stopCh    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// EngineOption adjusts engine construction.
type EngineOption func(*Engine) error

// WithDecisionCache replaces the default in-memory decision cache.
func WithDecisionCache(cache DecisionCache) EngineOption {
	return func(e *Engine) error {
		if cache == nil {
			return fmt.Errorf("decision cache must not be nil")
		}
		e.cache = cache
		return nil
	}
}

// WithRistrettoDecisionCache backs the decision cache with ristretto. Zero
// knobs fall back to the defaults.
func WithRistrettoDecisionCache(numCounters, maxCost, bufferItems int64) EngineOption {
	return func(e *Engine) error {
		cache, err := NewRistrettoDecisionCache(e.cacheTTL, numCounters, maxCost, bufferItems)
		if err != nil {
			return fmt.Errorf("ristretto decision cache: %w", err)
		}
		e.cache = cache
		return nil
	}
}

// WithDecisionCacheTTL sets how long decisions stay valid.
func WithDecisionCacheTTL(ttl time.Duration) EngineOption {
	return func(e *Engine) error {
		if ttl <= 0 {
			return fmt.Errorf("decision cache TTL must be positive")
		}
		e.cacheTTL = ttl
		e.cacheTTLSet = true
		return nil
	}
}

// WithSweepInterval sets the cadence of the background cache sweep.
func WithSweepInterval(interval time.Duration) EngineOption {
	return func(e *Engine) error {
		if interval <= 0 {
			return fmt.Errorf("sweep interval must be positive")
		}
		e.sweepInterval = interval
		return nil
	}
}

// WithSweepTrigger replaces the sweep ticker with a caller-driven channel so
// tests can fire sweeps deterministically.
func WithSweepTrigger(ch <-chan time.Time) EngineOption {
	return func(e *Engine) error {
		if ch == nil {
			return fmt.Errorf("sweep trigger channel must not be nil")
		}
		e.sweepC = ch
		return nil
	}
}

// WithClock replaces wall time for TTL expiry and the historical-data gate.
func WithClock(clock Clock) EngineOption {
	return func(e *Engine) error {
		if clock == nil {
			return fmt.Errorf("clock must not be nil")
		}
		e.clock = clock
		return nil
	}
}

// WithSourceTimeout bounds each upstream source call.
func WithSourceTimeout(timeout time.Duration) EngineOption {
	return func(e *Engine) error {
		if timeout <= 0 {
			return fmt.Errorf("source timeout must be positive")
		}
		e.sourceTimeout = timeout
		return nil
	}
}

// WithAuditStore enables the asynchronous audit trail.
func WithAuditStore(store AuditStore) EngineOption {
	return func(e *Engine) error {
		e.audit = store
		return nil
	}
}

// WithCatalog replaces the data type catalog probed by
// GetAccessibleCategories.
func WithCatalog(dataTypes ...string) EngineOption {
	return func(e *Engine) error {
		if len(dataTypes) == 0 {
			return fmt.Errorf("catalog must not be empty")
		}
		e.catalog = append([]string(nil), dataTypes...)
		return nil
	}
}

// WithTypePermission adds or overrides a per-data-type permission
// requirement (for example financial_data -> billing.view).
func WithTypePermission(dataType, permissionID string) EngineOption {
	return func(e *Engine) error {
		if dataType == "" || permissionID == "" {
			return fmt.Errorf("type permission needs a data type and a permission id")
		}
		e.typePerms[dataType] = permissionID
		return nil
	}
}

func NewEngine(permissions PermissionSource, teams TeamMembershipSource, opts ...EngineOption) (*Engine, error) {
	if permissions == nil {
		return nil, fmt.Errorf("permission source is required")
	}
	if teams == nil {
		return nil, fmt.Errorf("team membership source is required")
	}
	e := &Engine{
		permissions:   permissions,
		teams:         teams,
		clock:         systemClock{},
		logger:        logger.NewPhusluLogger(),
		cacheTTL:      DefaultDecisionCacheTTL,
		sourceTimeout: DefaultSourceTimeout,
		sweepInterval: DefaultSweepInterval,
		catalog:       defaultCatalog(),
		typePerms:     defaultTypePermissions(),
		stopCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	if e.cache == nil {
		e.cache = NewMemoryDecisionCache(e.cacheTTL, e.clock)
	} else if e.cacheTTLSet {
		e.cache.SetTTL(e.cacheTTL)
	}

	// async audit channel keeps store writes off the hot path
	e.auditCh = make(chan AccessLogEntry, 1024)
	e.wg.Add(1)
	go e.auditWorker()

	if e.sweepC == nil {
		e.sweepTicker = time.NewTicker(e.sweepInterval)
		e.sweepC = e.sweepTicker.C
	}
	e.wg.Add(1)
	go e.sweepWorker()

	return e, nil
}

// Close stops the sweeper and the audit worker and releases the cache. Safe
// to call more than once.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		close(e.stopCh)
		if e.sweepTicker != nil {
			e.sweepTicker.Stop()
		}
		e.wg.Wait()
		e.cache.Close()
	})
}

func (e *Engine) sweepWorker() {
	defer e.wg.Done()
	for {
		select {
		case <-e.sweepC:
			if removed := e.cache.Sweep(); removed > 0 {
				e.logger.Debug("decision cache sweep", "removed", removed)
			}
		case <-e.stopCh:
			return
		}
	}
}

func (e *Engine) auditWorker() {
	defer e.wg.Done()
	bg := context.Background()
	for {
		select {
		case entry := <-e.auditCh:
			_ = e.audit.LogDecision(bg, &entry)
		case <-e.stopCh:
			// drain whatever is already queued, then exit
			for {
				select {
				case entry := <-e.auditCh:
					_ = e.audit.LogDecision(bg, &entry)
				default:
					return
				}
			}
		}
	}
}

// InvalidateDecisionCache flushes every cached decision. Config applies call
// this so permission changes take effect immediately.
func (e *Engine) InvalidateDecisionCache() { e.cache.Flush() }

// DecisionCacheStats exposes the cache traffic counters.
func (e *Engine) DecisionCacheStats() CacheStats { return e.cache.Stats() }

// Catalog returns the data types probed by GetAccessibleCategories.
func (e *Engine) Catalog() []string { return e.catalogSnapshot() }

func (e *Engine) catalogSnapshot() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]string(nil), e.catalog...)
}

func (e *Engine) typePermission(dataType string) (string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	id, ok := e.typePerms[dataType]
	return id, ok && id != ""
}

func (e *Engine) timeoutNow() time.Duration {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sourceTimeout
}

func defaultCatalog() []string {
	return []string{
		DataTypeBasicAnalytics,
		DataTypeUserAnalytics,
		DataTypeDetailedAnalytics,
		DataTypeFinancialData,
		DataTypePIIData,
	}
}

func analyticsDataTypes() []string {
	return []string{DataTypeBasicAnalytics, DataTypeUserAnalytics, DataTypeDetailedAnalytics}
}

func defaultTypePermissions() map[string]string {
	return map[string]string{
		DataTypeFinancialData: PermBillingView,
		DataTypePIIData:       PermSecurityView,
	}
}

// ============================================================================
// SCOPE RESOLVER
// ============================================================================

// ResolveScope derives the effective DataScopeRestriction for (subject,
// account). Resolution is pure derivation over the sources: no caching and
// no side effects. A subject without any grants still resolves to the
// default scope; only upstream failures return an error.
func (e *Engine) ResolveScope(ctx context.Context, subjectID, accountID string) (*DataScopeRestriction, error) {
	if subjectID == "" || accountID == "" {
		return nil, fmt.Errorf("%w: subject and account are required", ErrInvalidRequest)
	}
	perms, roles, teams, err := e.fetchSubjectState(ctx, subjectID, accountID)
	if err != nil {
		return nil, err
	}
	return buildScope(perms, roles, teams), nil
}

func (e *Engine) fetchSubjectState(ctx context.Context, subjectID, accountID string) ([]*Permission, []*RoleAssignment, []*Team, error) {
	perms, err := e.fetchPermissions(ctx, subjectID, accountID)
	if err != nil {
		return nil, nil, nil, err
	}
	roles, err := e.fetchRoles(ctx, subjectID, accountID)
	if err != nil {
		return nil, nil, nil, err
	}
	teams, err := e.fetchTeams(ctx, subjectID, accountID)
	if err != nil {
		return nil, nil, nil, err
	}
	return perms, roles, teams, nil
}

func (e *Engine) fetchPermissions(ctx context.Context, subjectID, accountID string) ([]*Permission, error) {
	cctx, cancel := context.WithTimeout(ctx, e.timeoutNow())
	defer cancel()
	perms, err := e.permissions.GetPermissions(cctx, subjectID, accountID)
	if err != nil {
		return nil, e.upstreamErr(ctx, "permissions", err)
	}
	return perms, nil
}

func (e *Engine) fetchRoles(ctx context.Context, subjectID, accountID string) ([]*RoleAssignment, error) {
	cctx, cancel := context.WithTimeout(ctx, e.timeoutNow())
	defer cancel()
	roles, err := e.permissions.GetRoles(cctx, subjectID, accountID)
	if err != nil {
		return nil, e.upstreamErr(ctx, "roles", err)
	}
	return roles, nil
}

func (e *Engine) fetchTeams(ctx context.Context, subjectID, accountID string) ([]*Team, error) {
	cctx, cancel := context.WithTimeout(ctx, e.timeoutNow())
	defer cancel()
	teams, err := e.teams.GetTeams(cctx, subjectID, accountID)
	if err != nil {
		return nil, e.upstreamErr(ctx, "teams", err)
	}
	return teams, nil
}

// upstreamErr separates caller cancellation from source failure: if the
// parent context is done the caller gets its error back, otherwise the
// failure is tagged ErrUpstreamUnavailable for fail-closed handling.
func (e *Engine) upstreamErr(ctx context.Context, source string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fmt.Errorf("%w: fetch %s: %v", ErrUpstreamUnavailable, source, err)
}

// buildScope derives the restriction by the precedence ladder
// admin > analytics > default.
func buildScope(perms []*Permission, roles []*RoleAssignment, teams []*Team) *DataScopeRestriction {
	admin := hasAdminRole(roles)
	analytics := hasAnalyticsRole(perms)
	teamIDs := teamIDsOf(teams)

	scope := &DataScopeRestriction{
		CanViewAccountData:       admin,
		CanViewOwnDataOnly:       !admin && len(teamIDs) == 0,
		CanViewTeamData:          admin || len(teamIDs) > 0,
		CanViewPII:               admin,
		CanViewFinancialData:     admin,
		CanViewDetailedAnalytics: admin || analytics,
		TeamIDs:                  teamIDs,
	}
	switch {
	case admin:
		scope.MaxTimeRangeDays = adminMaxTimeRangeDays
		scope.AllowHistoricalData = true
		scope.AllowedDataTypes = []string{DataTypeAll}
		scope.RestrictedDataTypes = []string{}
	case analytics:
		scope.MaxTimeRangeDays = analyticsMaxTimeRangeDays
		scope.AllowHistoricalData = true
		scope.AllowedDataTypes = analyticsDataTypes()
		scope.RestrictedDataTypes = []string{DataTypeFinancialData, DataTypePIIData}
	default:
		scope.MaxTimeRangeDays = defaultMaxTimeRangeDays
		scope.AllowHistoricalData = false
		scope.AllowedDataTypes = []string{DataTypeBasicAnalytics}
		scope.RestrictedDataTypes = []string{DataTypeFinancialData, DataTypePIIData}
	}
	return scope
}

func hasAdminRole(roles []*RoleAssignment) bool {
	for _, r := range roles {
		if r == nil {
			continue
		}
		if r.RoleID == RoleAccountOwner || r.RoleID == RoleAccountAdmin {
			return true
		}
	}
	return false
}

func hasAnalyticsRole(perms []*Permission) bool {
	for _, p := range perms {
		if p != nil && p.Category == CategoryAnalytics {
			return true
		}
	}
	return false
}

// teamIDsOf keeps source order and drops duplicates.
func teamIDsOf(teams []*Team) []string {
	ids := make([]string, 0, len(teams))
	seen := make(map[string]struct{}, len(teams))
	for _, t := range teams {
		if t == nil || t.ID == "" {
			continue
		}
		if _, dup := seen[t.ID]; dup {
			continue
		}
		seen[t.ID] = struct{}{}
		ids = append(ids, t.ID)
	}
	return ids
}

func hasPermissionID(perms []*Permission, id string) bool {
	for _, p := range perms {
		if p != nil && p.ID == id {
			return true
		}
	}
	return false
}

func hasPermissionCategory(perms []*Permission, category string) bool {
	for _, p := range perms {
		if p != nil && p.Category == category {
			return true
		}
	}
	return false
}

// ============================================================================
// POLICY EVALUATOR
// ============================================================================

// CheckAccess decides whether subject may perform action on dataType within
// account. An empty action defaults to view. Denials come back as results;
// only malformed requests and caller cancellation produce errors.
func (e *Engine) CheckAccess(ctx context.Context, subjectID, accountID, dataType string, action Action, filters *RequestFilters) (*PermissionCheckResult, error) {
	req := AccessRequest{
		Subject:  subjectID,
		Account:  accountID,
		DataType: dataType,
		Action:   action,
		Filters:  filters,
	}
	return e.evaluate(ctx, req, nil)
}

// evaluate runs the full gate ladder. A non-nil trace switches to explain
// mode: every step is recorded and the decision cache is bypassed in both
// directions.
func (e *Engine) evaluate(ctx context.Context, req AccessRequest, trace *[]string) (*PermissionCheckResult, error) {
	if req.Action == "" {
		req.Action = ActionView
	}
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key := DecisionKey{
		Subject:   req.Subject,
		Account:   req.Account,
		DataType:  req.DataType,
		Action:    req.Action,
		FilterSig: req.Filters.Signature(),
	}
	if trace == nil {
		if cached, ok := e.cache.Get(key); ok {
			e.logger.Debug("decision cache hit",
				"subject", req.Subject,
				"account", req.Account,
				"data_type", req.DataType,
				"action", string(req.Action),
				"granted", cached.Granted,
				"reason", cached.Reason,
			)
			return cached, nil
		}
	}

	perms, roles, teams, err := e.fetchSubjectState(ctx, req.Subject, req.Account)
	if err != nil {
		return e.sourceFailure(ctx, req, err, trace)
	}
	scope := buildScope(perms, roles, teams)
	tracef(trace, "scope resolved: admin=%t analytics=%t teams=%d maxRangeDays=%d",
		hasAdminRole(roles), hasAnalyticsRole(perms), len(scope.TeamIDs), scope.MaxTimeRangeDays)

	// base permission gate for the requested action
	if required, ok := requiredActionPermission(req.Action); ok {
		if !hasPermissionID(perms, required) {
			return e.deny(req, key, scope, perms, trace,
				fmt.Sprintf("User does not have required permission: %s", required)), nil
		}
		tracef(trace, "action %s: permission %s present", req.Action, required)
	} else if !hasPermissionCategory(perms, CategoryTeamManagement) {
		return e.deny(req, key, scope, perms, trace,
			fmt.Sprintf("User does not have required permission: %s", CategoryTeamManagement)), nil
	}

	// per-data-type permission gate
	if required, ok := e.typePermission(req.DataType); ok && !hasPermissionID(perms, required) {
		return e.deny(req, key, scope, perms, trace,
			fmt.Sprintf("User does not have required permission: %s", required)), nil
	}

	// scope gates, composed in permitDataType: deny beats allow
	if reason, ok := scope.permitDataType(req.DataType); !ok {
		return e.deny(req, key, scope, perms, trace, reason), nil
	}
	tracef(trace, "data type %s allowed", req.DataType)

	// two independent time gates: span cap, then the historical cutoff
	if req.Filters != nil && req.Filters.DateRange != nil {
		dr := req.Filters.DateRange
		if dr.Days() > float64(scope.MaxTimeRangeDays) {
			return e.deny(req, key, scope, perms, trace,
				fmt.Sprintf("Requested time range exceeds maximum of %d days", scope.MaxTimeRangeDays)), nil
		}
		if !scope.AllowHistoricalData {
			cutoff := e.clock.Now().AddDate(0, 0, -historicalCutoffDays)
			if dr.Start.Before(cutoff) {
				return e.deny(req, key, scope, perms, trace, ReasonHistoricalNotAllowed), nil
			}
		}
		tracef(trace, "date range %.1f days within cap", dr.Days())
	}

	allowed, denied := deriveActions(perms)
	result := &PermissionCheckResult{
		Granted:        true,
		Restrictions:   scope,
		AllowedActions: allowed,
		DeniedActions:  denied,
		AppliedFilters: scopeFilters(scope, req.Subject, req.Account),
	}
	tracef(trace, "GRANT: %d filters attached", len(result.AppliedFilters))
	if trace == nil {
		e.cache.Put(key, result)
	}
	e.auditDecision(req, result)
	return result, nil
}

func validateRequest(req AccessRequest) error {
	if req.Subject == "" || req.Account == "" || req.DataType == "" {
		return fmt.Errorf("%w: subject, account and data type are required", ErrInvalidRequest)
	}
	switch req.Action {
	case ActionView, ActionExport, ActionShare, ActionDrillDown:
	default:
		return fmt.Errorf("%w: unknown action %q", ErrInvalidRequest, req.Action)
	}
	if req.Filters != nil && req.Filters.DateRange != nil {
		if req.Filters.DateRange.Start.After(req.Filters.DateRange.End) {
			return fmt.Errorf("%w: date range start is after end", ErrInvalidRequest)
		}
	}
	return nil
}

// requiredActionPermission maps an action to the permission id it demands.
// share is the exception: it is granted through the team_management
// category, signalled by ok == false.
func requiredActionPermission(action Action) (string, bool) {
	switch action {
	case ActionView, ActionDrillDown:
		return PermAnalyticsView, true
	case ActionExport:
		return PermAnalyticsExport, true
	}
	return "", false
}

// deriveActions computes the allowed/denied split over the action catalog.
// drill-down mirrors view.
func deriveActions(perms []*Permission) (allowed, denied []Action) {
	canView := hasPermissionID(perms, PermAnalyticsView)
	canExport := hasPermissionID(perms, PermAnalyticsExport)
	canShare := hasPermissionCategory(perms, CategoryTeamManagement)
	for _, a := range actionCatalog {
		ok := false
		switch a {
		case ActionView, ActionDrillDown:
			ok = canView
		case ActionExport:
			ok = canExport
		case ActionShare:
			ok = canShare
		}
		if ok {
			allowed = append(allowed, a)
		} else {
			denied = append(denied, a)
		}
	}
	return allowed, denied
}

// scopeFilters derives the row filters a grant carries. Exactly one
// accountId equals filter is always present: tenant isolation does not
// depend on the caller remembering it.
func scopeFilters(scope *DataScopeRestriction, subjectID, accountID string) []DataAccessFilter {
	filters := make([]DataAccessFilter, 0, 2)
	switch {
	case scope.CanViewOwnDataOnly:
		filters = append(filters, DataAccessFilter{
			Field:    FilterFieldUserID,
			Operator: OpEquals,
			Values:   []FilterValue{StringValue(subjectID)},
			Required: true,
		})
	case !scope.CanViewAccountData && scope.CanViewTeamData:
		filters = append(filters, DataAccessFilter{
			Field:    FilterFieldTeamID,
			Operator: OpIn,
			Values:   StringValues(scope.TeamIDs...),
			Required: true,
		})
	}
	filters = append(filters, DataAccessFilter{
		Field:    FilterFieldAccountID,
		Operator: OpEquals,
		Values:   []FilterValue{StringValue(accountID)},
		Required: true,
	})
	return filters
}

// deny finalizes a refusal. The result still carries the resolved scope and
// action split so callers can see what the subject would have been limited
// to. Denials are cached like grants; transient source failures are not
// (see sourceFailure).
func (e *Engine) deny(req AccessRequest, key DecisionKey, scope *DataScopeRestriction, perms []*Permission, trace *[]string, reason string) *PermissionCheckResult {
	allowed, denied := deriveActions(perms)
	result := &PermissionCheckResult{
		Granted:        false,
		Reason:         reason,
		Restrictions:   scope,
		AllowedActions: allowed,
		DeniedActions:  denied,
	}
	tracef(trace, "DENY: %s", reason)
	if trace == nil {
		e.cache.Put(key, result)
	}
	e.auditDecision(req, result)
	return result
}

// sourceFailure converts an upstream failure into the fail-closed denial.
// Caller cancellation surfaces as an error instead, and the denial is never
// cached: the outage may clear before the TTL would.
func (e *Engine) sourceFailure(ctx context.Context, req AccessRequest, err error, trace *[]string) (*PermissionCheckResult, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if !errors.Is(err, ErrUpstreamUnavailable) {
		return nil, err
	}
	e.logger.Error("permission check failed",
		"subject", req.Subject,
		"account", req.Account,
		"data_type", req.DataType,
		"action", string(req.Action),
		"error", err.Error(),
	)
	result := &PermissionCheckResult{Granted: false, Reason: ReasonCheckFailed}
	tracef(trace, "DENY: %s (%v)", ReasonCheckFailed, err)
	e.auditDecision(req, result)
	return result, nil
}

func (e *Engine) auditDecision(req AccessRequest, result *PermissionCheckResult) {
	traceID := ""
	if e.traceIDFunc != nil {
		traceID = e.traceIDFunc()
	}
	e.logger.Info("access decision",
		"subject", req.Subject,
		"account", req.Account,
		"data_type", req.DataType,
		"action", string(req.Action),
		"granted", result.Granted,
		"reason", result.Reason,
		"trace_id", traceID,
	)
	if e.audit == nil {
		return
	}
	entry := AccessLogEntry{
		ID:        uuid.NewString(),
		TraceID:   traceID,
		Subject:   req.Subject,
		Account:   req.Account,
		DataType:  req.DataType,
		Action:    req.Action,
		Granted:   result.Granted,
		Reason:    result.Reason,
		Timestamp: e.clock.Now(),
	}
	select {
	case e.auditCh <- entry:
	default:
		// drop rather than block the hot path
	}
}

func tracef(trace *[]string, format string, args ...any) {
	if trace == nil {
		return
	}
	*trace = append(*trace, fmt.Sprintf(format, args...))
}

// ============================================================================
// PUBLIC API
// ============================================================================

// GetAccessibleCategories probes the catalog and returns the data types the
// subject may view, in catalog order. Denials are skipped; invalid requests
// and cancellation surface as errors.
func (e *Engine) GetAccessibleCategories(ctx context.Context, subjectID, accountID string) ([]string, error) {
	catalog := e.catalogSnapshot()
	accessible := make([]string, 0, len(catalog))
	for _, dataType := range catalog {
		result, err := e.CheckAccess(ctx, subjectID, accountID, dataType, ActionView, nil)
		if err != nil {
			return nil, err
		}
		if result.Granted {
			accessible = append(accessible, dataType)
		}
	}
	return accessible, nil
}

// CheckTeamAccess applies the team role ladder: owners and admins always see
// team data, members only when the team policy allows analytics, viewers
// only for basic analytics. Subjects outside the team get nothing, and an
// unreachable team source fails closed.
func (e *Engine) CheckTeamAccess(ctx context.Context, subjectID, accountID, teamID, dataType string) (bool, error) {
	if subjectID == "" || accountID == "" || teamID == "" || dataType == "" {
		return false, fmt.Errorf("%w: subject, account, team and data type are required", ErrInvalidRequest)
	}
	teams, err := e.fetchTeams(ctx, subjectID, accountID)
	if err != nil {
		if errors.Is(err, ErrUpstreamUnavailable) {
			e.logger.Error("team access check failed",
				"subject", subjectID,
				"account", accountID,
				"team", teamID,
				"error", err.Error(),
			)
		}
		return false, err
	}
	for _, team := range teams {
		if team == nil || team.ID != teamID {
			continue
		}
		role, ok := memberRole(team, subjectID)
		if !ok {
			return false, nil
		}
		switch role {
		case TeamRoleOwner, TeamRoleAdmin:
			return true, nil
		case TeamRoleMember:
			return team.Policy.AllowAnalytics, nil
		case TeamRoleViewer:
			return dataType == DataTypeBasicAnalytics, nil
		}
		return false, nil
	}
	return false, nil
}

func memberRole(team *Team, userID string) (TeamRole, bool) {
	for _, m := range team.Members {
		if m.UserID == userID {
			return m.Role, true
		}
	}
	return "", false
}

// BatchCheckAccess evaluates requests in order. Evaluation continues past
// denials and per-request errors; each item carries its own outcome.
func (e *Engine) BatchCheckAccess(ctx context.Context, requests []AccessRequest) []BatchCheckResult {
	results := make([]BatchCheckResult, len(requests))
	for i, req := range requests {
		result, err := e.evaluate(ctx, req, nil)
		results[i] = BatchCheckResult{Request: req, Result: result, Err: err}
	}
	return results
}

// AccessLog reads back audit entries when an audit store is configured.
func (e *Engine) AccessLog(ctx context.Context, filter AuditFilter) ([]*AccessLogEntry, error) {
	if e.audit == nil {
		return nil, fmt.Errorf("no audit store configured")
	}
	return e.audit.GetAccessLog(ctx, filter)
}
