package stores

import (
	"context"
	"fmt"

	"github.com/oarkflow/squealx"

	"github.com/oarkflow/datascope"
)

// SQLPermissionSource serves permission and role lookups from SQL (squealx)
type SQLPermissionSource struct {
	db *squealx.DB
}

func NewSQLPermissionSource(db *squealx.DB) *SQLPermissionSource {
	return &SQLPermissionSource{db: db}
}

func (s *SQLPermissionSource) GetPermissions(ctx context.Context, subjectID, accountID string) ([]*datascope.Permission, error) {
	q := `SELECT permission_id, category FROM permissions WHERE subject_id = :subject_id AND account_id = :account_id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"subject_id": subjectID, "account_id": accountID})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*datascope.Permission, 0)
	for r.Next() {
		var id, category string
		if err := r.Scan(&id, &category); err != nil {
			return nil, err
		}
		out = append(out, &datascope.Permission{ID: id, Category: category})
	}
	return out, nil
}

func (s *SQLPermissionSource) GetRoles(ctx context.Context, subjectID, accountID string) ([]*datascope.RoleAssignment, error) {
	q := `SELECT role_id FROM role_assignments WHERE subject_id = :subject_id AND account_id = :account_id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"subject_id": subjectID, "account_id": accountID})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*datascope.RoleAssignment, 0)
	for r.Next() {
		var roleID string
		if err := r.Scan(&roleID); err != nil {
			return nil, err
		}
		out = append(out, &datascope.RoleAssignment{RoleID: roleID})
	}
	return out, nil
}

func (s *SQLPermissionSource) AddPermission(ctx context.Context, subjectID, accountID string, perm *datascope.Permission) error {
	if perm == nil {
		return fmt.Errorf("permission must not be nil")
	}
	q := `INSERT INTO permissions(subject_id, account_id, permission_id, category) VALUES(:subject_id, :account_id, :permission_id, :category)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"subject_id":    subjectID,
		"account_id":    accountID,
		"permission_id": perm.ID,
		"category":      perm.Category,
	})
	return err
}

func (s *SQLPermissionSource) AddRole(ctx context.Context, subjectID, accountID, roleID string) error {
	q := `INSERT INTO role_assignments(subject_id, account_id, role_id) VALUES(:subject_id, :account_id, :role_id)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"subject_id": subjectID,
		"account_id": accountID,
		"role_id":    roleID,
	})
	return err
}

// SetPermissions replaces the subject's grant list.
func (s *SQLPermissionSource) SetPermissions(ctx context.Context, subjectID, accountID string, perms []*datascope.Permission) error {
	q := `DELETE FROM permissions WHERE subject_id = :subject_id AND account_id = :account_id`
	if _, err := s.db.NamedExecContext(ctx, q, map[string]any{"subject_id": subjectID, "account_id": accountID}); err != nil {
		return err
	}
	for _, p := range perms {
		if p == nil {
			continue
		}
		if err := s.AddPermission(ctx, subjectID, accountID, p); err != nil {
			return err
		}
	}
	return nil
}

// SetRoles replaces the subject's role assignments.
func (s *SQLPermissionSource) SetRoles(ctx context.Context, subjectID, accountID string, roles []*datascope.RoleAssignment) error {
	q := `DELETE FROM role_assignments WHERE subject_id = :subject_id AND account_id = :account_id`
	if _, err := s.db.NamedExecContext(ctx, q, map[string]any{"subject_id": subjectID, "account_id": accountID}); err != nil {
		return err
	}
	for _, r := range roles {
		if r == nil {
			continue
		}
		if err := s.AddRole(ctx, subjectID, accountID, r.RoleID); err != nil {
			return err
		}
	}
	return nil
}

// SQLTeamSource serves team membership lookups from SQL (squealx)
type SQLTeamSource struct {
	db *squealx.DB
}

func NewSQLTeamSource(db *squealx.DB) *SQLTeamSource {
	return &SQLTeamSource{db: db}
}

func (s *SQLTeamSource) GetTeams(ctx context.Context, subjectID, accountID string) ([]*datascope.Team, error) {
	q := `SELECT t.team_id, t.account_id, t.name, t.allow_analytics FROM teams t JOIN team_members m ON m.team_id = t.team_id AND m.account_id = t.account_id WHERE m.user_id = :user_id AND m.account_id = :account_id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"user_id": subjectID, "account_id": accountID})
	if err != nil {
		return nil, err
	}
	out := make([]*datascope.Team, 0)
	for r.Next() {
		var teamID, account, name string
		var allowInt int
		if err := r.Scan(&teamID, &account, &name, &allowInt); err != nil {
			r.Close()
			return nil, err
		}
		out = append(out, &datascope.Team{
			ID:        teamID,
			AccountID: account,
			Name:      name,
			Policy:    datascope.TeamPolicy{AllowAnalytics: allowInt != 0},
		})
	}
	r.Close()
	for _, team := range out {
		members, err := s.teamMembers(ctx, team.ID, team.AccountID)
		if err != nil {
			return nil, err
		}
		team.Members = members
	}
	return out, nil
}

func (s *SQLTeamSource) teamMembers(ctx context.Context, teamID, accountID string) ([]datascope.TeamMember, error) {
	q := `SELECT user_id, role FROM team_members WHERE team_id = :team_id AND account_id = :account_id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"team_id": teamID, "account_id": accountID})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]datascope.TeamMember, 0)
	for r.Next() {
		var userID, role string
		if err := r.Scan(&userID, &role); err != nil {
			return nil, err
		}
		out = append(out, datascope.TeamMember{UserID: userID, Role: datascope.TeamRole(role)})
	}
	return out, nil
}

func (s *SQLTeamSource) GetTeam(ctx context.Context, teamID, accountID string) (*datascope.Team, error) {
	q := `SELECT team_id, account_id, name, allow_analytics FROM teams WHERE team_id = :team_id AND account_id = :account_id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"team_id": teamID, "account_id": accountID})
	if err != nil {
		return nil, err
	}
	if !r.Next() {
		r.Close()
		return nil, fmt.Errorf("team not found: %s", teamID)
	}
	var id, account, name string
	var allowInt int
	if err := r.Scan(&id, &account, &name, &allowInt); err != nil {
		r.Close()
		return nil, err
	}
	r.Close()
	team := &datascope.Team{
		ID:        id,
		AccountID: account,
		Name:      name,
		Policy:    datascope.TeamPolicy{AllowAnalytics: allowInt != 0},
	}
	members, err := s.teamMembers(ctx, teamID, accountID)
	if err != nil {
		return nil, err
	}
	team.Members = members
	return team, nil
}

// PutTeam replaces the team row and its member list.
func (s *SQLTeamSource) PutTeam(ctx context.Context, team *datascope.Team) error {
	if team == nil || team.ID == "" || team.AccountID == "" {
		return fmt.Errorf("team requires an id and an account")
	}
	params := map[string]any{"team_id": team.ID, "account_id": team.AccountID}
	if _, err := s.db.NamedExecContext(ctx, `DELETE FROM team_members WHERE team_id = :team_id AND account_id = :account_id`, params); err != nil {
		return err
	}
	if _, err := s.db.NamedExecContext(ctx, `DELETE FROM teams WHERE team_id = :team_id AND account_id = :account_id`, params); err != nil {
		return err
	}
	q := `INSERT INTO teams(team_id, account_id, name, allow_analytics) VALUES(:team_id, :account_id, :name, :allow_analytics)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"team_id":         team.ID,
		"account_id":      team.AccountID,
		"name":            team.Name,
		"allow_analytics": boolToInt(team.Policy.AllowAnalytics),
	})
	if err != nil {
		return err
	}
	for _, m := range team.Members {
		mq := `INSERT INTO team_members(team_id, account_id, user_id, role) VALUES(:team_id, :account_id, :user_id, :role)`
		_, err := s.db.NamedExecContext(ctx, mq, map[string]any{
			"team_id":    team.ID,
			"account_id": team.AccountID,
			"user_id":    m.UserID,
			"role":       string(m.Role),
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLTeamSource) RemoveTeam(ctx context.Context, teamID, accountID string) error {
	params := map[string]any{"team_id": teamID, "account_id": accountID}
	if _, err := s.db.NamedExecContext(ctx, `DELETE FROM team_members WHERE team_id = :team_id AND account_id = :account_id`, params); err != nil {
		return err
	}
	_, err := s.db.NamedExecContext(ctx, `DELETE FROM teams WHERE team_id = :team_id AND account_id = :account_id`, params)
	return err
}
