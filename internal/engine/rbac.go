package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"payline/internal/domain"
	"payline/internal/engine/auth"
	"payline/internal/events"
	"payline/internal/repo"
)

// SeedRBAC makes the stored roles match the config and applies its grants.
// Grants are additive; roles granted at runtime survive a reseed.
func (e Engine) SeedRBAC(ctx context.Context) error {
	if e.Config == nil {
		return errors.New("config not loaded")
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	roleIDs := make([]string, 0, len(e.Config.RBAC.Roles))
	for id := range e.Config.RBAC.Roles {
		roleIDs = append(roleIDs, id)
	}
	sort.Strings(roleIDs)
	for _, id := range roleIDs {
		role := e.Config.RBAC.Roles[id]
		if err := e.Repo.InsertRole(ctx, tx, id, role.Description); err != nil {
			return err
		}
		if err := e.Repo.ReplaceRolePermissionsTx(ctx, tx, id, role.Permissions); err != nil {
			return err
		}
	}
	now := e.stamp()
	for actorID, roles := range e.Config.RBAC.Grants {
		if err := e.Repo.EnsureActor(ctx, tx, actorID, now); err != nil {
			return err
		}
		for _, roleID := range roles {
			if err := e.Repo.AssignRole(ctx, tx, actorID, roleID); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

// GrantRole gives target a role. The caller needs rbac.manage.
func (e Engine) GrantRole(ctx context.Context, actorID, target, roleID string) error {
	return e.changeRole(ctx, actorID, target, roleID, true)
}

// RevokeRole takes a role away from target. The caller needs rbac.manage.
func (e Engine) RevokeRole(ctx context.Context, actorID, target, roleID string) error {
	return e.changeRole(ctx, actorID, target, roleID, false)
}

func (e Engine) changeRole(ctx context.Context, actorID, target, roleID string, grant bool) error {
	target = strings.TrimSpace(target)
	roleID = strings.TrimSpace(roleID)
	if target == "" {
		return domain.ValidationError{Field: "actor_id", Reason: "is required"}
	}
	if roleID == "" {
		return domain.ValidationError{Field: "role", Reason: "is required"}
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.Auth.Require(ctx, tx, actorID, auth.PermRBACManage); err != nil {
		return err
	}
	ok, err := e.Repo.RoleExistsTx(ctx, tx, roleID)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ValidationError{Field: "role", Reason: fmt.Sprintf("unknown role %s", roleID)}
	}
	evt := events.RoleRevoked
	if grant {
		evt = events.RoleGranted
		if err := e.Repo.EnsureActor(ctx, tx, target, e.stamp()); err != nil {
			return err
		}
		if err := e.Repo.AssignRole(ctx, tx, target, roleID); err != nil {
			return err
		}
	} else if err := e.Repo.RevokeRole(ctx, tx, target, roleID); err != nil {
		return err
	}
	if err := e.record(ctx, tx, evt, "actor", target, actorID, events.EventPayload{"role": roleID}); err != nil {
		return err
	}
	return tx.Commit()
}

// Identity is an actor with its effective roles and permissions.
type Identity struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

func (e Engine) WhoAmI(ctx context.Context, actorID string) (Identity, error) {
	roles, err := e.Auth.ActorRoles(ctx, nil, actorID)
	if err != nil {
		return Identity{}, err
	}
	perms, err := e.Auth.ActorPermissions(ctx, nil, actorID)
	if err != nil {
		return Identity{}, err
	}
	if roles == nil {
		roles = []string{}
	}
	if perms == nil {
		perms = []string{}
	}
	return Identity{ActorID: actorID, Roles: roles, Permissions: perms}, nil
}

// CreateAPIKey issues a key for actorID. Only the hash is stored; the
// plaintext is returned once.
func (e Engine) CreateAPIKey(ctx context.Context, actorID, name string) (string, domain.APIKey, error) {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return "", domain.APIKey{}, domain.ValidationError{Field: "actor_id", Reason: "is required"}
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", domain.APIKey{}, fmt.Errorf("generate api key: %w", err)
	}
	plain := "pl_" + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		Name:      strings.TrimSpace(name),
		KeyHash:   repo.HashAPIKey(plain),
		CreatedAt: e.stamp(),
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return "", domain.APIKey{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.EnsureActor(ctx, tx, actorID, key.CreatedAt); err != nil {
		return "", domain.APIKey{}, err
	}
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return "", domain.APIKey{}, err
	}
	if err := tx.Commit(); err != nil {
		return "", domain.APIKey{}, err
	}
	return plain, key, nil
}

// ListAPIKeys returns the keys issued to actorID, newest first. Only
// hashes are stored, so the plaintext is never part of the result.
func (e Engine) ListAPIKeys(ctx context.Context, actorID string) ([]domain.APIKey, error) {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return nil, domain.ValidationError{Field: "actor_id", Reason: "is required"}
	}
	keys, err := e.Repo.ListAPIKeys(ctx, actorID)
	if err != nil {
		return nil, err
	}
	if keys == nil {
		keys = []domain.APIKey{}
	}
	return keys, nil
}
