package datascope

// ConfigBuilder provides fluent API for building configurations
type ConfigBuilder struct {
	cfg *Config
}

func NewConfigBuilder() *ConfigBuilder {
	return &ConfigBuilder{
		cfg: &Config{
			Version:         1,
			Catalog:         defaultCatalog(),
			TypePermissions: defaultTypePermissions(),
			Permissions:     []PermissionGrant{},
			Roles:           []RoleGrant{},
			Teams:           []TeamConfig{},
			Engine: EngineConfig{
				DecisionCacheTTL: DefaultDecisionCacheTTL.Milliseconds(),
				SweepInterval:    DefaultSweepInterval.Milliseconds(),
				SourceTimeout:    DefaultSourceTimeout.Milliseconds(),
			},
		},
	}
}

func (b *ConfigBuilder) Version(v uint16) *ConfigBuilder {
	b.cfg.Version = v
	return b
}

func (b *ConfigBuilder) Catalog(dataTypes ...string) *ConfigBuilder {
	b.cfg.Catalog = append([]string(nil), dataTypes...)
	return b
}

func (b *ConfigBuilder) TypePermission(dataType, permissionID string) *ConfigBuilder {
	if b.cfg.TypePermissions == nil {
		b.cfg.TypePermissions = make(map[string]string)
	}
	b.cfg.TypePermissions[dataType] = permissionID
	return b
}

func (b *ConfigBuilder) GrantPermission(subject, account, permissionID, category string) *ConfigBuilder {
	b.cfg.Permissions = append(b.cfg.Permissions, PermissionGrant{
		Subject:    subject,
		Account:    account,
		Permission: permissionID,
		Category:   category,
	})
	return b
}

func (b *ConfigBuilder) GrantRole(subject, account, roleID string) *ConfigBuilder {
	b.cfg.Roles = append(b.cfg.Roles, RoleGrant{Subject: subject, Account: account, RoleID: roleID})
	return b
}

func (b *ConfigBuilder) AddTeam(team TeamConfig) *ConfigBuilder {
	b.cfg.Teams = append(b.cfg.Teams, team)
	return b
}

func (b *ConfigBuilder) EngineSettings(fn func(*EngineConfig)) *ConfigBuilder {
	fn(&b.cfg.Engine)
	return b
}

func (b *ConfigBuilder) Build() *Config {
	return b.cfg
}

func (b *ConfigBuilder) ToYAML() ([]byte, error) {
	return b.cfg.ToYAML()
}

func (b *ConfigBuilder) ToJSON() ([]byte, error) {
	return b.cfg.ToJSON()
}

// TeamConfigBuilder for building team seeds in config
type TeamConfigBuilder struct {
	t TeamConfig
}

func NewTeamConfig(id, account string) *TeamConfigBuilder {
	return &TeamConfigBuilder{
		t: TeamConfig{ID: id, Account: account, Members: []TeamMemberConfig{}},
	}
}

func (b *TeamConfigBuilder) Name(name string) *TeamConfigBuilder {
	b.t.Name = name
	return b
}

func (b *TeamConfigBuilder) AllowAnalytics(allow bool) *TeamConfigBuilder {
	b.t.AllowAnalytics = allow
	return b
}

func (b *TeamConfigBuilder) Member(user string, role TeamRole) *TeamConfigBuilder {
	b.t.Members = append(b.t.Members, TeamMemberConfig{User: user, Role: string(role)})
	return b
}

func (b *TeamConfigBuilder) Build() TeamConfig {
	return b.t
}
