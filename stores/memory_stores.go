package stores

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oarkflow/datascope"
)

type sourceKey struct {
	subject string
	account string
}

// MemoryPermissionSource implements permission lookups in-memory for
// testing/demo
type MemoryPermissionSource struct {
	mu    sync.RWMutex
	perms map[sourceKey][]*datascope.Permission
	roles map[sourceKey][]*datascope.RoleAssignment
}

func NewMemoryPermissionSource() *MemoryPermissionSource {
	return &MemoryPermissionSource{
		perms: make(map[sourceKey][]*datascope.Permission),
		roles: make(map[sourceKey][]*datascope.RoleAssignment),
	}
}

func (s *MemoryPermissionSource) GetPermissions(ctx context.Context, subjectID, accountID string) ([]*datascope.Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return clonePermissions(s.perms[sourceKey{subjectID, accountID}]), nil
}

func (s *MemoryPermissionSource) GetRoles(ctx context.Context, subjectID, accountID string) ([]*datascope.RoleAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneRoles(s.roles[sourceKey{subjectID, accountID}]), nil
}

func (s *MemoryPermissionSource) AddPermission(ctx context.Context, subjectID, accountID string, perm *datascope.Permission) error {
	if perm == nil {
		return fmt.Errorf("permission must not be nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := sourceKey{subjectID, accountID}
	dup := *perm
	s.perms[k] = append(s.perms[k], &dup)
	return nil
}

func (s *MemoryPermissionSource) AddRole(ctx context.Context, subjectID, accountID, roleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := sourceKey{subjectID, accountID}
	s.roles[k] = append(s.roles[k], &datascope.RoleAssignment{RoleID: roleID})
	return nil
}

// SetPermissions replaces the subject's grant list.
func (s *MemoryPermissionSource) SetPermissions(ctx context.Context, subjectID, accountID string, perms []*datascope.Permission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.perms[sourceKey{subjectID, accountID}] = clonePermissions(perms)
	return nil
}

// SetRoles replaces the subject's role assignments.
func (s *MemoryPermissionSource) SetRoles(ctx context.Context, subjectID, accountID string, roles []*datascope.RoleAssignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roles[sourceKey{subjectID, accountID}] = cloneRoles(roles)
	return nil
}

func (s *MemoryPermissionSource) RevokePermission(ctx context.Context, subjectID, accountID, permissionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := sourceKey{subjectID, accountID}
	kept := make([]*datascope.Permission, 0, len(s.perms[k]))
	for _, p := range s.perms[k] {
		if p.ID != permissionID {
			kept = append(kept, p)
		}
	}
	s.perms[k] = kept
	return nil
}

func (s *MemoryPermissionSource) RevokeRole(ctx context.Context, subjectID, accountID, roleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := sourceKey{subjectID, accountID}
	kept := make([]*datascope.RoleAssignment, 0, len(s.roles[k]))
	for _, r := range s.roles[k] {
		if r.RoleID != roleID {
			kept = append(kept, r)
		}
	}
	s.roles[k] = kept
	return nil
}

// MemoryTeamSource implements team membership lookups in-memory. Reads are
// served from a periodically rebuilt snapshot so hot lookups avoid the write
// lock.
type MemoryTeamSource struct {
	mu              sync.RWMutex
	teams           map[sourceKey]*datascope.Team // keyed by (team id, account)
	snapshot        atomic.Value                  // map[sourceKey][]*datascope.Team keyed by (user, account)
	refreshInterval time.Duration
	stopCh          chan struct{}
}

func NewMemoryTeamSource() *MemoryTeamSource {
	source := &MemoryTeamSource{
		teams:           make(map[sourceKey]*datascope.Team),
		refreshInterval: 250 * time.Millisecond,
		stopCh:          make(chan struct{}),
	}
	source.snapshot.Store(map[sourceKey][]*datascope.Team{})
	go source.snapshotWorker()
	return source
}

func (s *MemoryTeamSource) snapshotWorker() {
	ticker := time.NewTicker(s.refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.rebuildMembershipSnapshot()
		case <-s.stopCh:
			return
		}
	}
}

func (s *MemoryTeamSource) rebuildMembershipSnapshot() {
	s.mu.RLock()
	index := make(map[sourceKey][]*datascope.Team)
	for _, team := range s.teams {
		for _, m := range team.Members {
			k := sourceKey{m.UserID, team.AccountID}
			index[k] = append(index[k], cloneTeam(team))
		}
	}
	s.mu.RUnlock()
	s.snapshot.Store(index)
}

func (s *MemoryTeamSource) GetTeams(ctx context.Context, subjectID, accountID string) ([]*datascope.Team, error) {
	if snap, ok := s.snapshot.Load().(map[sourceKey][]*datascope.Team); ok {
		if teams, hit := snap[sourceKey{subjectID, accountID}]; hit {
			return cloneTeams(teams), nil
		}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*datascope.Team, 0)
	for _, team := range s.teams {
		if team.AccountID != accountID {
			continue
		}
		for _, m := range team.Members {
			if m.UserID == subjectID {
				result = append(result, cloneTeam(team))
				break
			}
		}
	}
	return result, nil
}

func (s *MemoryTeamSource) PutTeam(ctx context.Context, team *datascope.Team) error {
	if team == nil || team.ID == "" || team.AccountID == "" {
		return fmt.Errorf("team requires an id and an account")
	}
	s.mu.Lock()
	s.teams[sourceKey{team.ID, team.AccountID}] = cloneTeam(team)
	s.mu.Unlock()
	go s.rebuildMembershipSnapshot()
	return nil
}

func (s *MemoryTeamSource) RemoveTeam(ctx context.Context, teamID, accountID string) error {
	s.mu.Lock()
	delete(s.teams, sourceKey{teamID, accountID})
	s.mu.Unlock()
	go s.rebuildMembershipSnapshot()
	return nil
}

func (s *MemoryTeamSource) GetTeam(ctx context.Context, teamID, accountID string) (*datascope.Team, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	team, ok := s.teams[sourceKey{teamID, accountID}]
	if !ok {
		return nil, fmt.Errorf("team not found: %s", teamID)
	}
	return cloneTeam(team), nil
}

func (s *MemoryTeamSource) Close() {
	select {
	case <-s.stopCh:
		return
	default:
		close(s.stopCh)
	}
}

// memoryAuditCap bounds the in-memory audit trail; the oldest entries fall
// off first.
const memoryAuditCap = 10000

// MemoryAuditStore implements in-memory audit logging
type MemoryAuditStore struct {
	mu      sync.RWMutex
	entries []*datascope.AccessLogEntry
}

func NewMemoryAuditStore() *MemoryAuditStore {
	return &MemoryAuditStore{entries: make([]*datascope.AccessLogEntry, 0)}
}

func (s *MemoryAuditStore) LogDecision(ctx context.Context, entry *datascope.AccessLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) >= memoryAuditCap {
		s.entries = append(s.entries[:0], s.entries[1:]...)
	}
	dup := *entry
	s.entries = append(s.entries, &dup)
	return nil
}

func (s *MemoryAuditStore) GetAccessLog(ctx context.Context, filter datascope.AuditFilter) ([]*datascope.AccessLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*datascope.AccessLogEntry, 0)
	for _, entry := range s.entries {
		if filter.Subject != "" && entry.Subject != filter.Subject {
			continue
		}
		if filter.Account != "" && entry.Account != filter.Account {
			continue
		}
		if filter.Granted != nil && entry.Granted != *filter.Granted {
			continue
		}
		dup := *entry
		result = append(result, &dup)
		if filter.Limit > 0 && len(result) >= filter.Limit {
			break
		}
	}
	return result, nil
}

func (s *MemoryAuditStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
