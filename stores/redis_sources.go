package stores

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/oarkflow/datascope"
)

// RedisPermissionSource stores subject permissions and roles in Redis sets
// (keys: perm:{accountID}:{subjectID}, role:{accountID}:{subjectID})
type RedisPermissionSource struct {
	client  *redis.Client
	permFmt string // format string, e.g. "perm:%s:%s"
	roleFmt string // format string, e.g. "role:%s:%s"
}

func NewRedisPermissionSource(client *redis.Client) *RedisPermissionSource {
	return &RedisPermissionSource{client: client, permFmt: "perm:%s:%s", roleFmt: "role:%s:%s"}
}

func (r *RedisPermissionSource) permKey(subjectID, accountID string) string {
	return fmt.Sprintf(r.permFmt, accountID, subjectID)
}

func (r *RedisPermissionSource) roleKey(subjectID, accountID string) string {
	return fmt.Sprintf(r.roleFmt, accountID, subjectID)
}

func (r *RedisPermissionSource) GetPermissions(ctx context.Context, subjectID, accountID string) ([]*datascope.Permission, error) {
	members, err := r.client.SMembers(ctx, r.permKey(subjectID, accountID)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*datascope.Permission, 0, len(members))
	for _, m := range members {
		var p datascope.Permission
		if err := json.Unmarshal([]byte(m), &p); err != nil {
			return nil, fmt.Errorf("decode permission %q: %w", m, err)
		}
		out = append(out, &p)
	}
	return out, nil
}

func (r *RedisPermissionSource) GetRoles(ctx context.Context, subjectID, accountID string) ([]*datascope.RoleAssignment, error) {
	members, err := r.client.SMembers(ctx, r.roleKey(subjectID, accountID)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*datascope.RoleAssignment, 0, len(members))
	for _, m := range members {
		out = append(out, &datascope.RoleAssignment{RoleID: m})
	}
	return out, nil
}

func (r *RedisPermissionSource) AddPermission(ctx context.Context, subjectID, accountID string, perm *datascope.Permission) error {
	if perm == nil {
		return fmt.Errorf("permission must not be nil")
	}
	b, err := json.Marshal(perm)
	if err != nil {
		return err
	}
	return r.client.SAdd(ctx, r.permKey(subjectID, accountID), string(b)).Err()
}

func (r *RedisPermissionSource) RemovePermission(ctx context.Context, subjectID, accountID string, perm *datascope.Permission) error {
	if perm == nil {
		return fmt.Errorf("permission must not be nil")
	}
	b, err := json.Marshal(perm)
	if err != nil {
		return err
	}
	return r.client.SRem(ctx, r.permKey(subjectID, accountID), string(b)).Err()
}

func (r *RedisPermissionSource) AddRole(ctx context.Context, subjectID, accountID, roleID string) error {
	return r.client.SAdd(ctx, r.roleKey(subjectID, accountID), roleID).Err()
}

func (r *RedisPermissionSource) RemoveRole(ctx context.Context, subjectID, accountID, roleID string) error {
	return r.client.SRem(ctx, r.roleKey(subjectID, accountID), roleID).Err()
}

// SetPermissions replaces the subject's grant list.
func (r *RedisPermissionSource) SetPermissions(ctx context.Context, subjectID, accountID string, perms []*datascope.Permission) error {
	key := r.permKey(subjectID, accountID)
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return err
	}
	for _, p := range perms {
		if p == nil {
			continue
		}
		if err := r.AddPermission(ctx, subjectID, accountID, p); err != nil {
			return err
		}
	}
	return nil
}

// SetRoles replaces the subject's role assignments.
func (r *RedisPermissionSource) SetRoles(ctx context.Context, subjectID, accountID string, roles []*datascope.RoleAssignment) error {
	key := r.roleKey(subjectID, accountID)
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return err
	}
	for _, role := range roles {
		if role == nil {
			continue
		}
		if err := r.AddRole(ctx, subjectID, accountID, role.RoleID); err != nil {
			return err
		}
	}
	return nil
}

// RedisTeamSource stores teams as JSON values and per-user membership as
// Redis sets (keys: team:{accountID}:{teamID}, teammem:{accountID}:{userID})
type RedisTeamSource struct {
	client  *redis.Client
	teamFmt string // format string, e.g. "team:%s:%s"
	memFmt  string // format string, e.g. "teammem:%s:%s"
}

func NewRedisTeamSource(client *redis.Client) *RedisTeamSource {
	return &RedisTeamSource{client: client, teamFmt: "team:%s:%s", memFmt: "teammem:%s:%s"}
}

func (r *RedisTeamSource) teamKey(teamID, accountID string) string {
	return fmt.Sprintf(r.teamFmt, accountID, teamID)
}

func (r *RedisTeamSource) memberKey(userID, accountID string) string {
	return fmt.Sprintf(r.memFmt, accountID, userID)
}

func (r *RedisTeamSource) GetTeams(ctx context.Context, subjectID, accountID string) ([]*datascope.Team, error) {
	teamIDs, err := r.client.SMembers(ctx, r.memberKey(subjectID, accountID)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*datascope.Team, 0, len(teamIDs))
	for _, id := range teamIDs {
		team, err := r.GetTeam(ctx, id, accountID)
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, team)
	}
	return out, nil
}

func (r *RedisTeamSource) GetTeam(ctx context.Context, teamID, accountID string) (*datascope.Team, error) {
	raw, err := r.client.Get(ctx, r.teamKey(teamID, accountID)).Result()
	if err != nil {
		return nil, err
	}
	var team datascope.Team
	if err := json.Unmarshal([]byte(raw), &team); err != nil {
		return nil, fmt.Errorf("decode team %s: %w", teamID, err)
	}
	return &team, nil
}

// PutTeam stores the team and reconciles per-user membership sets against
// the previous member list.
func (r *RedisTeamSource) PutTeam(ctx context.Context, team *datascope.Team) error {
	if team == nil || team.ID == "" || team.AccountID == "" {
		return fmt.Errorf("team requires an id and an account")
	}
	old, err := r.GetTeam(ctx, team.ID, team.AccountID)
	if err != nil && err != redis.Nil {
		return err
	}
	current := make(map[string]bool, len(team.Members))
	for _, m := range team.Members {
		current[m.UserID] = true
	}
	if old != nil {
		for _, m := range old.Members {
			if !current[m.UserID] {
				if err := r.client.SRem(ctx, r.memberKey(m.UserID, team.AccountID), team.ID).Err(); err != nil {
					return err
				}
			}
		}
	}
	b, err := json.Marshal(team)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, r.teamKey(team.ID, team.AccountID), string(b), 0).Err(); err != nil {
		return err
	}
	for _, m := range team.Members {
		if err := r.client.SAdd(ctx, r.memberKey(m.UserID, team.AccountID), team.ID).Err(); err != nil {
			return err
		}
	}
	return nil
}

func (r *RedisTeamSource) RemoveTeam(ctx context.Context, teamID, accountID string) error {
	old, err := r.GetTeam(ctx, teamID, accountID)
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return err
	}
	for _, m := range old.Members {
		if err := r.client.SRem(ctx, r.memberKey(m.UserID, accountID), teamID).Err(); err != nil {
			return err
		}
	}
	return r.client.Del(ctx, r.teamKey(teamID, accountID)).Err()
}
