package datascope

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is a declarative snapshot: engine settings, the data type catalog,
// per-type permission requirements and seed grants.
type Config struct {
	Version         uint16            `json:"version" yaml:"version"`
	Catalog         []string          `json:"catalog" yaml:"catalog"`
	TypePermissions map[string]string `json:"type_permissions" yaml:"type_permissions"` // data type -> permission id
	Permissions     []PermissionGrant `json:"permissions" yaml:"permissions"`
	Roles           []RoleGrant       `json:"roles" yaml:"roles"`
	Teams           []TeamConfig      `json:"teams" yaml:"teams"`
	Engine          EngineConfig      `json:"engine" yaml:"engine"`
}

// PermissionGrant seeds one grant for a subject within an account.
type PermissionGrant struct {
	Subject    string `json:"subject" yaml:"subject"`
	Account    string `json:"account" yaml:"account"`
	Permission string `json:"permission" yaml:"permission"`
	Category   string `json:"category" yaml:"category"`
}

// RoleGrant seeds one role assignment.
type RoleGrant struct {
	Subject string `json:"subject" yaml:"subject"`
	Account string `json:"account" yaml:"account"`
	RoleID  string `json:"role_id" yaml:"role_id"`
}

// TeamConfig seeds one team with its policy and members.
type TeamConfig struct {
	ID             string             `json:"team_id" yaml:"team_id"`
	Account        string             `json:"account" yaml:"account"`
	Name           string             `json:"name,omitempty" yaml:"name,omitempty"`
	AllowAnalytics bool               `json:"allow_analytics" yaml:"allow_analytics"`
	Members        []TeamMemberConfig `json:"members" yaml:"members"`
}

type TeamMemberConfig struct {
	User string `json:"user" yaml:"user"`
	Role string `json:"role" yaml:"role"`
}

func (t TeamConfig) toTeam() *Team {
	team := &Team{
		ID:        t.ID,
		AccountID: t.Account,
		Name:      t.Name,
		Policy:    TeamPolicy{AllowAnalytics: t.AllowAnalytics},
		Members:   make([]TeamMember, 0, len(t.Members)),
	}
	for _, m := range t.Members {
		team.Members = append(team.Members, TeamMember{UserID: m.User, Role: TeamRole(m.Role)})
	}
	return team
}

type EngineConfig struct {
	DecisionCacheTTL    int64 `json:"decision_cache_ttl_ms" yaml:"decision_cache_ttl_ms"`
	SweepInterval       int64 `json:"sweep_interval_ms" yaml:"sweep_interval_ms"`
	SourceTimeout       int64 `json:"source_timeout_ms" yaml:"source_timeout_ms"`
	RistrettoNumCounter int64 `json:"ristretto_num_counter" yaml:"ristretto_num_counter"`
	RistrettoMaxCost    int64 `json:"ristretto_max_cost" yaml:"ristretto_max_cost"`
	RistrettoBuffer     int64 `json:"ristretto_buffer" yaml:"ristretto_buffer"`
}

// ConfigLoader loads configuration from various formats
type ConfigLoader struct{}

func NewConfigLoader() *ConfigLoader {
	return &ConfigLoader{}
}

func (l *ConfigLoader) LoadYAML(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (l *ConfigLoader) LoadJSON(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadBinary loads from custom binary protocol
func (l *ConfigLoader) LoadBinary(data []byte) (*Config, error) {
	r := bytes.NewReader(data)
	return decodeBinaryConfig(r)
}

// EncodeBinaryConfig encodes config to binary format
func EncodeBinaryConfig(cfg *Config) ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := encodeBinaryConfig(cfg, buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ToYAML exports config to YAML
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// ToJSON exports config to JSON
func (c *Config) ToJSON() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}

// Validate checks a loaded config for structural problems before it is
// applied.
func (c *Config) Validate() error {
	for i, dataType := range c.Catalog {
		if dataType == "" {
			return fmt.Errorf("catalog[%d]: empty data type", i)
		}
	}
	for dataType, perm := range c.TypePermissions {
		if dataType == "" || perm == "" {
			return fmt.Errorf("type_permissions: empty data type or permission id")
		}
	}
	for i, g := range c.Permissions {
		if g.Subject == "" || g.Account == "" {
			return fmt.Errorf("permissions[%d]: subject and account are required", i)
		}
		if g.Permission == "" && g.Category == "" {
			return fmt.Errorf("permissions[%d]: permission id or category is required", i)
		}
	}
	for i, g := range c.Roles {
		if g.Subject == "" || g.Account == "" || g.RoleID == "" {
			return fmt.Errorf("roles[%d]: subject, account and role_id are required", i)
		}
	}
	for i, t := range c.Teams {
		if t.ID == "" || t.Account == "" {
			return fmt.Errorf("teams[%d]: team_id and account are required", i)
		}
		for j, m := range t.Members {
			if m.User == "" {
				return fmt.Errorf("teams[%d].members[%d]: user is required", i, j)
			}
			switch TeamRole(m.Role) {
			case TeamRoleOwner, TeamRoleAdmin, TeamRoleMember, TeamRoleViewer:
			default:
				return fmt.Errorf("teams[%d].members[%d]: unknown role %q", i, j, m.Role)
			}
		}
	}
	if c.Engine.DecisionCacheTTL < 0 || c.Engine.SweepInterval < 0 || c.Engine.SourceTimeout < 0 {
		return fmt.Errorf("engine: durations must not be negative")
	}
	return nil
}

// EngineOptions translates the engine section into construction options. The
// TTL option precedes the ristretto option so a configured cache picks the
// TTL up.
func (c *Config) EngineOptions() []EngineOption {
	opts := make([]EngineOption, 0, 8)
	if c.Engine.DecisionCacheTTL > 0 {
		opts = append(opts, WithDecisionCacheTTL(time.Duration(c.Engine.DecisionCacheTTL)*time.Millisecond))
	}
	if c.Engine.SweepInterval > 0 {
		opts = append(opts, WithSweepInterval(time.Duration(c.Engine.SweepInterval)*time.Millisecond))
	}
	if c.Engine.SourceTimeout > 0 {
		opts = append(opts, WithSourceTimeout(time.Duration(c.Engine.SourceTimeout)*time.Millisecond))
	}
	if c.Engine.RistrettoNumCounter > 0 {
		opts = append(opts, WithRistrettoDecisionCache(c.Engine.RistrettoNumCounter, c.Engine.RistrettoMaxCost, c.Engine.RistrettoBuffer))
	}
	if len(c.Catalog) > 0 {
		opts = append(opts, WithCatalog(c.Catalog...))
	}
	for dataType, perm := range c.TypePermissions {
		opts = append(opts, WithTypePermission(dataType, perm))
	}
	return opts
}

// PermissionWriter is implemented by permission sources that accept seed
// data. SetPermissions and SetRoles replace the subject's current lists.
type PermissionWriter interface {
	SetPermissions(ctx context.Context, subjectID, accountID string, perms []*Permission) error
	SetRoles(ctx context.Context, subjectID, accountID string, roles []*RoleAssignment) error
}

// TeamWriter is implemented by team sources that accept seed data.
type TeamWriter interface {
	PutTeam(ctx context.Context, team *Team) error
}

type grantKey struct {
	subject string
	account string
}

// ApplyConfig applies a config snapshot to a running engine. Engine
// settings, catalog and type permissions take effect immediately; seed
// grants are written through when the sources support it; the decision
// cache is flushed so stale decisions cannot outlive the change.
func (e *Engine) ApplyConfig(ctx context.Context, cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	if cfg.Engine.DecisionCacheTTL > 0 {
		e.cacheTTL = time.Duration(cfg.Engine.DecisionCacheTTL) * time.Millisecond
		e.cache.SetTTL(e.cacheTTL)
	}
	if cfg.Engine.SourceTimeout > 0 {
		e.sourceTimeout = time.Duration(cfg.Engine.SourceTimeout) * time.Millisecond
	}
	if cfg.Engine.SweepInterval > 0 && e.sweepTicker != nil {
		e.sweepInterval = time.Duration(cfg.Engine.SweepInterval) * time.Millisecond
		e.sweepTicker.Reset(e.sweepInterval)
	}
	if len(cfg.Catalog) > 0 {
		e.catalog = append([]string(nil), cfg.Catalog...)
	}
	for dataType, perm := range cfg.TypePermissions {
		e.typePerms[dataType] = perm
	}
	e.mu.Unlock()

	if writer, ok := e.permissions.(PermissionWriter); ok {
		perms := make(map[grantKey][]*Permission)
		roles := make(map[grantKey][]*RoleAssignment)
		for _, g := range cfg.Permissions {
			k := grantKey{g.Subject, g.Account}
			perms[k] = append(perms[k], &Permission{ID: g.Permission, Category: g.Category})
		}
		for _, g := range cfg.Roles {
			k := grantKey{g.Subject, g.Account}
			roles[k] = append(roles[k], &RoleAssignment{RoleID: g.RoleID})
		}
		for k, list := range perms {
			if err := writer.SetPermissions(ctx, k.subject, k.account, list); err != nil {
				return fmt.Errorf("seed permissions for %s in %s: %w", k.subject, k.account, err)
			}
		}
		for k, list := range roles {
			if err := writer.SetRoles(ctx, k.subject, k.account, list); err != nil {
				return fmt.Errorf("seed roles for %s in %s: %w", k.subject, k.account, err)
			}
		}
	}
	if writer, ok := e.teams.(TeamWriter); ok {
		for _, tc := range cfg.Teams {
			if err := writer.PutTeam(ctx, tc.toTeam()); err != nil {
				return fmt.Errorf("seed team %s: %w", tc.ID, err)
			}
		}
	}

	e.InvalidateDecisionCache()
	return nil
}

// NewEngineFromConfig builds an engine backed by in-memory sources seeded
// from the config's grant, role and team blocks. Engine settings, catalog and
// type permissions come from the snapshot; opts run afterwards, so callers
// can still override the logger, clock or cache backend.
func NewEngineFromConfig(cfg *Config, opts ...EngineOption) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	src := newSeedSource(cfg)
	return NewEngine(src, src, append(cfg.EngineOptions(), opts...)...)
}

type teamKey struct {
	id      string
	account string
}

// seedSource serves the grants and teams declared in a Config. It implements
// the writer interfaces too, so ApplyConfig can re-seed an engine built from
// a snapshot.
type seedSource struct {
	mu    sync.RWMutex
	perms map[grantKey][]*Permission
	roles map[grantKey][]*RoleAssignment
	teams map[teamKey]*Team
}

func newSeedSource(cfg *Config) *seedSource {
	s := &seedSource{
		perms: make(map[grantKey][]*Permission),
		roles: make(map[grantKey][]*RoleAssignment),
		teams: make(map[teamKey]*Team),
	}
	for _, g := range cfg.Permissions {
		k := grantKey{g.Subject, g.Account}
		s.perms[k] = append(s.perms[k], &Permission{ID: g.Permission, Category: g.Category})
	}
	for _, g := range cfg.Roles {
		k := grantKey{g.Subject, g.Account}
		s.roles[k] = append(s.roles[k], &RoleAssignment{RoleID: g.RoleID})
	}
	for _, tc := range cfg.Teams {
		team := tc.toTeam()
		s.teams[teamKey{team.ID, team.AccountID}] = team
	}
	return s
}

func (s *seedSource) GetPermissions(ctx context.Context, subjectID, accountID string) ([]*Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.perms[grantKey{subjectID, accountID}]
	out := make([]*Permission, 0, len(list))
	for _, p := range list {
		dup := *p
		out = append(out, &dup)
	}
	return out, nil
}

func (s *seedSource) GetRoles(ctx context.Context, subjectID, accountID string) ([]*RoleAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.roles[grantKey{subjectID, accountID}]
	out := make([]*RoleAssignment, 0, len(list))
	for _, r := range list {
		dup := *r
		out = append(out, &dup)
	}
	return out, nil
}

func (s *seedSource) GetTeams(ctx context.Context, subjectID, accountID string) ([]*Team, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Team, 0)
	for _, team := range s.teams {
		if team.AccountID != accountID {
			continue
		}
		for _, m := range team.Members {
			if m.UserID == subjectID {
				dup := *team
				dup.Members = append([]TeamMember(nil), team.Members...)
				out = append(out, &dup)
				break
			}
		}
	}
	return out, nil
}

func (s *seedSource) SetPermissions(ctx context.Context, subjectID, accountID string, perms []*Permission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.perms[grantKey{subjectID, accountID}] = perms
	return nil
}

func (s *seedSource) SetRoles(ctx context.Context, subjectID, accountID string, roles []*RoleAssignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roles[grantKey{subjectID, accountID}] = roles
	return nil
}

func (s *seedSource) PutTeam(ctx context.Context, team *Team) error {
	if team == nil || team.ID == "" || team.AccountID == "" {
		return fmt.Errorf("team requires an id and an account")
	}
	dup := *team
	dup.Members = append([]TeamMember(nil), team.Members...)
	s.mu.Lock()
	s.teams[teamKey{team.ID, team.AccountID}] = &dup
	s.mu.Unlock()
	return nil
}

// Binary protocol encoding/decoding
const (
	binaryMagic   = 0x4453 // "DS" for datascope
	binaryVersion = 1
)

func encodeBinaryConfig(cfg *Config, w io.Writer) error {
	buf := &bytes.Buffer{}

	// Header: magic(2) + version(2) + config_version(2)
	binary.Write(buf, binary.LittleEndian, uint16(binaryMagic))
	binary.Write(buf, binary.LittleEndian, uint16(binaryVersion))
	binary.Write(buf, binary.LittleEndian, cfg.Version)

	// Encode sections with type tags
	writeSection(buf, 0x01, func(b *bytes.Buffer) { encodeCatalog(b, cfg.Catalog) })
	writeSection(buf, 0x02, func(b *bytes.Buffer) { encodeTypePermissions(b, cfg.TypePermissions) })
	writeSection(buf, 0x03, func(b *bytes.Buffer) { encodePermissionGrants(b, cfg.Permissions) })
	writeSection(buf, 0x04, func(b *bytes.Buffer) { encodeRoleGrants(b, cfg.Roles) })
	writeSection(buf, 0x05, func(b *bytes.Buffer) { encodeTeams(b, cfg.Teams) })
	writeSection(buf, 0x06, func(b *bytes.Buffer) { encodeEngineConfig(b, &cfg.Engine) })

	_, err := w.Write(buf.Bytes())
	return err
}

func decodeBinaryConfig(r io.Reader) (*Config, error) {
	cfg := &Config{}

	var magic, ver, cfgVer uint16
	binary.Read(r, binary.LittleEndian, &magic)
	binary.Read(r, binary.LittleEndian, &ver)
	binary.Read(r, binary.LittleEndian, &cfgVer)

	if magic != binaryMagic {
		return nil, fmt.Errorf("invalid magic: %x", magic)
	}
	if ver != binaryVersion {
		return nil, fmt.Errorf("unsupported version: %d", ver)
	}
	cfg.Version = cfgVer

	for {
		var tag uint8
		if err := binary.Read(r, binary.LittleEndian, &tag); err == io.EOF {
			break
		} else if err != nil {
			return nil, err
		}

		var size uint32
		binary.Read(r, binary.LittleEndian, &size)
		data := make([]byte, size)
		io.ReadFull(r, data)

		switch tag {
		case 0x01:
			cfg.Catalog = decodeCatalog(data)
		case 0x02:
			cfg.TypePermissions = decodeTypePermissions(data)
		case 0x03:
			cfg.Permissions = decodePermissionGrants(data)
		case 0x04:
			cfg.Roles = decodeRoleGrants(data)
		case 0x05:
			cfg.Teams = decodeTeams(data)
		case 0x06:
			cfg.Engine = decodeEngineConfig(data)
		}
	}

	return cfg, nil
}

func writeSection(buf *bytes.Buffer, tag uint8, fn func(*bytes.Buffer)) {
	tmp := &bytes.Buffer{}
	fn(tmp)
	binary.Write(buf, binary.LittleEndian, tag)
	binary.Write(buf, binary.LittleEndian, uint32(tmp.Len()))
	buf.Write(tmp.Bytes())
}

func writeString(buf *bytes.Buffer, s string) {
	binary.Write(buf, binary.LittleEndian, uint16(len(s)))
	buf.WriteString(s)
}

func readString(r *bytes.Reader) string {
	var l uint16
	binary.Read(r, binary.LittleEndian, &l)
	b := make([]byte, l)
	r.Read(b)
	return string(b)
}

func encodeCatalog(buf *bytes.Buffer, catalog []string) {
	binary.Write(buf, binary.LittleEndian, uint16(len(catalog)))
	for _, dataType := range catalog {
		writeString(buf, dataType)
	}
}

func decodeCatalog(data []byte) []string {
	r := bytes.NewReader(data)
	var count uint16
	binary.Read(r, binary.LittleEndian, &count)
	catalog := make([]string, count)
	for i := range catalog {
		catalog[i] = readString(r)
	}
	return catalog
}

func encodeTypePermissions(buf *bytes.Buffer, typePerms map[string]string) {
	binary.Write(buf, binary.LittleEndian, uint16(len(typePerms)))
	for dataType, perm := range typePerms {
		writeString(buf, dataType)
		writeString(buf, perm)
	}
}

func decodeTypePermissions(data []byte) map[string]string {
	r := bytes.NewReader(data)
	var count uint16
	binary.Read(r, binary.LittleEndian, &count)
	typePerms := make(map[string]string, count)
	for i := 0; i < int(count); i++ {
		dataType := readString(r)
		perm := readString(r)
		typePerms[dataType] = perm
	}
	return typePerms
}

func encodePermissionGrants(buf *bytes.Buffer, grants []PermissionGrant) {
	binary.Write(buf, binary.LittleEndian, uint16(len(grants)))
	for _, g := range grants {
		writeString(buf, g.Subject)
		writeString(buf, g.Account)
		writeString(buf, g.Permission)
		writeString(buf, g.Category)
	}
}

func decodePermissionGrants(data []byte) []PermissionGrant {
	r := bytes.NewReader(data)
	var count uint16
	binary.Read(r, binary.LittleEndian, &count)
	grants := make([]PermissionGrant, count)
	for i := range grants {
		grants[i].Subject = readString(r)
		grants[i].Account = readString(r)
		grants[i].Permission = readString(r)
		grants[i].Category = readString(r)
	}
	return grants
}

func encodeRoleGrants(buf *bytes.Buffer, grants []RoleGrant) {
	binary.Write(buf, binary.LittleEndian, uint16(len(grants)))
	for _, g := range grants {
		writeString(buf, g.Subject)
		writeString(buf, g.Account)
		writeString(buf, g.RoleID)
	}
}

func decodeRoleGrants(data []byte) []RoleGrant {
	r := bytes.NewReader(data)
	var count uint16
	binary.Read(r, binary.LittleEndian, &count)
	grants := make([]RoleGrant, count)
	for i := range grants {
		grants[i].Subject = readString(r)
		grants[i].Account = readString(r)
		grants[i].RoleID = readString(r)
	}
	return grants
}

func encodeTeams(buf *bytes.Buffer, teams []TeamConfig) {
	binary.Write(buf, binary.LittleEndian, uint16(len(teams)))
	for _, t := range teams {
		writeString(buf, t.ID)
		writeString(buf, t.Account)
		writeString(buf, t.Name)
		buf.WriteByte(map[bool]byte{true: 1, false: 0}[t.AllowAnalytics])
		binary.Write(buf, binary.LittleEndian, uint16(len(t.Members)))
		for _, m := range t.Members {
			writeString(buf, m.User)
			writeString(buf, m.Role)
		}
	}
}

func decodeTeams(data []byte) []TeamConfig {
	r := bytes.NewReader(data)
	var count uint16
	binary.Read(r, binary.LittleEndian, &count)
	teams := make([]TeamConfig, count)
	for i := range teams {
		teams[i].ID = readString(r)
		teams[i].Account = readString(r)
		teams[i].Name = readString(r)
		allow, _ := r.ReadByte()
		teams[i].AllowAnalytics = allow == 1
		var memberCount uint16
		binary.Read(r, binary.LittleEndian, &memberCount)
		teams[i].Members = make([]TeamMemberConfig, memberCount)
		for j := range teams[i].Members {
			teams[i].Members[j].User = readString(r)
			teams[i].Members[j].Role = readString(r)
		}
	}
	return teams
}

func encodeEngineConfig(buf *bytes.Buffer, cfg *EngineConfig) {
	binary.Write(buf, binary.LittleEndian, cfg.DecisionCacheTTL)
	binary.Write(buf, binary.LittleEndian, cfg.SweepInterval)
	binary.Write(buf, binary.LittleEndian, cfg.SourceTimeout)
	binary.Write(buf, binary.LittleEndian, cfg.RistrettoNumCounter)
	binary.Write(buf, binary.LittleEndian, cfg.RistrettoMaxCost)
	binary.Write(buf, binary.LittleEndian, cfg.RistrettoBuffer)
}

func decodeEngineConfig(data []byte) EngineConfig {
	r := bytes.NewReader(data)
	cfg := EngineConfig{}
	binary.Read(r, binary.LittleEndian, &cfg.DecisionCacheTTL)
	binary.Read(r, binary.LittleEndian, &cfg.SweepInterval)
	binary.Read(r, binary.LittleEndian, &cfg.SourceTimeout)
	binary.Read(r, binary.LittleEndian, &cfg.RistrettoNumCounter)
	binary.Read(r, binary.LittleEndian, &cfg.RistrettoMaxCost)
	binary.Read(r, binary.LittleEndian, &cfg.RistrettoBuffer)
	return cfg
}
