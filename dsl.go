package datascope

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// DSL Syntax:
// catalog <type>[,<type>...]
// require <data_type> <permission_id>
// permission <subject> <account> <permission_id|-> <category|->
// role <subject> <account> <role_id>
// team <id> <account> "<name>" [analytics:on|off] [members:<user>=<role>,...]
// engine <key>=<value>...

type DSLParser struct {
	line int
}

func NewDSLParser() *DSLParser {
	return &DSLParser{}
}

type DSLEncoder struct {
	buf []byte
}

func NewDSLEncoder() *DSLEncoder {
	return &DSLEncoder{buf: make([]byte, 0, 4096)}
}

func (e *DSLEncoder) Encode(cfg *Config) ([]byte, error) {
	e.buf = e.buf[:0]
	var tmp [20]byte

	if len(cfg.Catalog) > 0 {
		e.buf = append(e.buf, "catalog "...)
		for i, dataType := range cfg.Catalog {
			if i > 0 {
				e.buf = append(e.buf, ',')
			}
			e.buf = append(e.buf, dataType...)
		}
		e.buf = append(e.buf, '\n')
	}

	// sorted so encode output is deterministic
	types := make([]string, 0, len(cfg.TypePermissions))
	for dataType := range cfg.TypePermissions {
		types = append(types, dataType)
	}
	sort.Strings(types)
	for _, dataType := range types {
		e.buf = append(e.buf, "require "...)
		e.buf = append(e.buf, dataType...)
		e.buf = append(e.buf, ' ')
		e.buf = append(e.buf, cfg.TypePermissions[dataType]...)
		e.buf = append(e.buf, '\n')
	}

	for _, g := range cfg.Permissions {
		e.buf = append(e.buf, "permission "...)
		e.buf = append(e.buf, g.Subject...)
		e.buf = append(e.buf, ' ')
		e.buf = append(e.buf, g.Account...)
		e.buf = append(e.buf, ' ')
		e.buf = appendOrDash(e.buf, g.Permission)
		e.buf = append(e.buf, ' ')
		e.buf = appendOrDash(e.buf, g.Category)
		e.buf = append(e.buf, '\n')
	}

	for _, g := range cfg.Roles {
		e.buf = append(e.buf, "role "...)
		e.buf = append(e.buf, g.Subject...)
		e.buf = append(e.buf, ' ')
		e.buf = append(e.buf, g.Account...)
		e.buf = append(e.buf, ' ')
		e.buf = append(e.buf, g.RoleID...)
		e.buf = append(e.buf, '\n')
	}

	for _, t := range cfg.Teams {
		e.buf = append(e.buf, "team "...)
		e.buf = append(e.buf, t.ID...)
		e.buf = append(e.buf, ' ')
		e.buf = append(e.buf, t.Account...)
		e.buf = append(e.buf, " \""...)
		e.buf = append(e.buf, t.Name...)
		e.buf = append(e.buf, '"')
		if t.AllowAnalytics {
			e.buf = append(e.buf, " analytics:on"...)
		}
		if len(t.Members) > 0 {
			e.buf = append(e.buf, " members:"...)
			for i, m := range t.Members {
				if i > 0 {
					e.buf = append(e.buf, ',')
				}
				e.buf = append(e.buf, m.User...)
				e.buf = append(e.buf, '=')
				e.buf = append(e.buf, m.Role...)
			}
		}
		e.buf = append(e.buf, '\n')
	}

	if cfg.Engine.DecisionCacheTTL > 0 || cfg.Engine.SweepInterval > 0 || cfg.Engine.SourceTimeout > 0 || cfg.Engine.RistrettoNumCounter > 0 {
		e.buf = append(e.buf, "engine"...)
		if cfg.Engine.DecisionCacheTTL > 0 {
			e.buf = append(e.buf, " cache_ttl="...)
			n := strconv.AppendInt(tmp[:0], cfg.Engine.DecisionCacheTTL, 10)
			e.buf = append(e.buf, n...)
		}
		if cfg.Engine.SweepInterval > 0 {
			e.buf = append(e.buf, " sweep_interval="...)
			n := strconv.AppendInt(tmp[:0], cfg.Engine.SweepInterval, 10)
			e.buf = append(e.buf, n...)
		}
		if cfg.Engine.SourceTimeout > 0 {
			e.buf = append(e.buf, " source_timeout="...)
			n := strconv.AppendInt(tmp[:0], cfg.Engine.SourceTimeout, 10)
			e.buf = append(e.buf, n...)
		}
		if cfg.Engine.RistrettoNumCounter > 0 {
			e.buf = append(e.buf, " ristretto_counters="...)
			n := strconv.AppendInt(tmp[:0], cfg.Engine.RistrettoNumCounter, 10)
			e.buf = append(e.buf, n...)
			e.buf = append(e.buf, " ristretto_cost="...)
			n = strconv.AppendInt(tmp[:0], cfg.Engine.RistrettoMaxCost, 10)
			e.buf = append(e.buf, n...)
			e.buf = append(e.buf, " ristretto_buffer="...)
			n = strconv.AppendInt(tmp[:0], cfg.Engine.RistrettoBuffer, 10)
			e.buf = append(e.buf, n...)
		}
		e.buf = append(e.buf, '\n')
	}

	return e.buf, nil
}

func appendOrDash(buf []byte, s string) []byte {
	if s == "" {
		return append(buf, '-')
	}
	return append(buf, s...)
}

func (p *DSLParser) Parse(data []byte) (*Config, error) {
	cfg := &Config{
		Version:         1,
		Catalog:         make([]string, 0, 8),
		TypePermissions: make(map[string]string, 4),
		Permissions:     make([]PermissionGrant, 0, 16),
		Roles:           make([]RoleGrant, 0, 8),
		Teams:           make([]TeamConfig, 0, 8),
	}

	p.line = 0
	start := 0
	for i := 0; i <= len(data); i++ {
		if i == len(data) || data[i] == '\n' {
			p.line++
			line := data[start:i]
			start = i + 1

			for len(line) > 0 && (line[0] == ' ' || line[0] == '\t') {
				line = line[1:]
			}
			for len(line) > 0 && (line[len(line)-1] == ' ' || line[len(line)-1] == '\t' || line[len(line)-1] == '\r') {
				line = line[:len(line)-1]
			}

			if len(line) == 0 || line[0] == '#' {
				continue
			}

			parts := splitLineBytes(line)
			if len(parts) == 0 {
				continue
			}

			switch parts[0] {
			case "catalog":
				if err := p.parseCatalog(cfg, parts[1:]); err != nil {
					return nil, fmt.Errorf("line %d: %w", p.line, err)
				}
			case "require":
				if err := p.parseRequire(cfg, parts[1:]); err != nil {
					return nil, fmt.Errorf("line %d: %w", p.line, err)
				}
			case "permission":
				if err := p.parsePermission(cfg, parts[1:]); err != nil {
					return nil, fmt.Errorf("line %d: %w", p.line, err)
				}
			case "role":
				if err := p.parseRole(cfg, parts[1:]); err != nil {
					return nil, fmt.Errorf("line %d: %w", p.line, err)
				}
			case "team":
				if err := p.parseTeam(cfg, parts[1:]); err != nil {
					return nil, fmt.Errorf("line %d: %w", p.line, err)
				}
			case "engine":
				if err := p.parseEngine(cfg, parts[1:]); err != nil {
					return nil, fmt.Errorf("line %d: %w", p.line, err)
				}
			default:
				return nil, fmt.Errorf("line %d: unknown directive: %s", p.line, parts[0])
			}
		}
	}

	return cfg, nil
}

func splitLineBytes(line []byte) []string {
	parts := make([]string, 0, 8)
	var start int
	inQuote := false
	i := 0

	for i < len(line) {
		ch := line[i]
		if ch == '"' {
			if inQuote {
				parts = append(parts, string(line[start:i]))
				start = i + 1
				inQuote = false
			} else {
				start = i + 1
				inQuote = true
			}
		} else if (ch == ' ' || ch == '\t') && !inQuote {
			if i > start {
				parts = append(parts, string(line[start:i]))
			}
			start = i + 1
		}
		i++
	}

	if start < len(line) {
		parts = append(parts, string(line[start:]))
	}

	return parts
}

func (p *DSLParser) parseCatalog(cfg *Config, parts []string) error {
	if len(parts) < 1 {
		return fmt.Errorf("catalog requires: <type>[,<type>...]")
	}
	cfg.Catalog = append(cfg.Catalog, splitCSV(parts[0])...)
	return nil
}

func (p *DSLParser) parseRequire(cfg *Config, parts []string) error {
	if len(parts) < 2 {
		return fmt.Errorf("require requires: <data_type> <permission_id>")
	}
	cfg.TypePermissions[parts[0]] = parts[1]
	return nil
}

func (p *DSLParser) parsePermission(cfg *Config, parts []string) error {
	if len(parts) < 4 {
		return fmt.Errorf("permission requires: <subject> <account> <permission_id|-> <category|->")
	}
	cfg.Permissions = append(cfg.Permissions, PermissionGrant{
		Subject:    parts[0],
		Account:    parts[1],
		Permission: dashToEmpty(parts[2]),
		Category:   dashToEmpty(parts[3]),
	})
	return nil
}

func (p *DSLParser) parseRole(cfg *Config, parts []string) error {
	if len(parts) < 3 {
		return fmt.Errorf("role requires: <subject> <account> <role_id>")
	}
	cfg.Roles = append(cfg.Roles, RoleGrant{
		Subject: parts[0],
		Account: parts[1],
		RoleID:  parts[2],
	})
	return nil
}

func (p *DSLParser) parseTeam(cfg *Config, parts []string) error {
	if len(parts) < 3 {
		return fmt.Errorf("team requires: <id> <account> \"<name>\" [analytics:on|off] [members:<user>=<role>,...]")
	}

	team := TeamConfig{
		ID:      parts[0],
		Account: parts[1],
		Name:    parts[2],
		Members: []TeamMemberConfig{},
	}

	for _, opt := range parts[3:] {
		if strings.HasPrefix(opt, "analytics:") {
			team.AllowAnalytics = opt[10:] == "on"
		} else if strings.HasPrefix(opt, "members:") {
			for _, pair := range splitCSV(opt[8:]) {
				idx := strings.Index(pair, "=")
				if idx == -1 {
					return fmt.Errorf("member %q requires <user>=<role>", pair)
				}
				team.Members = append(team.Members, TeamMemberConfig{
					User: pair[:idx],
					Role: pair[idx+1:],
				})
			}
		}
	}

	cfg.Teams = append(cfg.Teams, team)
	return nil
}

func (p *DSLParser) parseEngine(cfg *Config, parts []string) error {
	for _, kv := range parts {
		idx := strings.Index(kv, "=")
		if idx == -1 {
			continue
		}
		key, val := kv[:idx], kv[idx+1:]
		switch key {
		case "cache_ttl":
			cfg.Engine.DecisionCacheTTL, _ = strconv.ParseInt(val, 10, 64)
		case "sweep_interval":
			cfg.Engine.SweepInterval, _ = strconv.ParseInt(val, 10, 64)
		case "source_timeout":
			cfg.Engine.SourceTimeout, _ = strconv.ParseInt(val, 10, 64)
		case "ristretto_counters":
			cfg.Engine.RistrettoNumCounter, _ = strconv.ParseInt(val, 10, 64)
		case "ristretto_cost":
			cfg.Engine.RistrettoMaxCost, _ = strconv.ParseInt(val, 10, 64)
		case "ristretto_buffer":
			cfg.Engine.RistrettoBuffer, _ = strconv.ParseInt(val, 10, 64)
		}
	}
	return nil
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	out := make([]string, 0, 4)
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

func dashToEmpty(s string) string {
	if s == "-" {
		return ""
	}
	return s
}
