package engine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"experimenter/internal/config"
	"experimenter/internal/domain"
	"experimenter/internal/engine/auth"
	"experimenter/internal/repo"
)

// OwnerRole is the role that may manage other roles. At least one actor
// always holds it once bootstrapped.
const OwnerRole = "owner"

var ErrLastOwner = errors.New("cannot revoke the last owner")

// SyncRBAC writes the configured roles to the database and, when nobody
// holds the owner role yet, grants it to bootstrapActor.
func (e Engine) SyncRBAC(ctx context.Context, bootstrapActor string) error {
	if e.Config == nil {
		return errors.New("config required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.SyncRoles(ctx, tx, e.Config.RBAC.Roles); err != nil {
		return fmt.Errorf("sync roles: %w", err)
	}
	if bootstrapActor != "" {
		n, err := e.Repo.CountRoleHolders(ctx, tx, OwnerRole)
		if err != nil {
			return err
		}
		if n == 0 {
			if err := e.Repo.EnsureActor(ctx, tx, bootstrapActor, e.stamp()); err != nil {
				return err
			}
			if err := e.Repo.AssignRole(ctx, tx, bootstrapActor, OwnerRole); err != nil {
				return fmt.Errorf("bootstrap owner: %w", err)
			}
			e.log().Info("bootstrapped owner", zap.String("actor_id", bootstrapActor))
		}
	}
	return tx.Commit()
}

// Bootstrap grants role to target without permission checks. It is meant for
// seeding a fresh workspace.
func (e Engine) Bootstrap(ctx context.Context, target, role string) error {
	if target == "" || role == "" {
		return errors.New("actor and role required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if def, ok := e.roleDef(role); ok {
		if err := e.Repo.SyncRoles(ctx, tx, map[string]config.RBACRole{role: def}); err != nil {
			return err
		}
	} else if err := e.Repo.InsertRole(ctx, tx, role, ""); err != nil {
		return err
	}
	if err := e.Repo.EnsureActor(ctx, tx, target, e.stamp()); err != nil {
		return err
	}
	if err := e.Repo.AssignRole(ctx, tx, target, role); err != nil {
		return err
	}
	return tx.Commit()
}

// GrantRole gives target the role. actorID needs rbac.manage.
func (e Engine) GrantRole(ctx context.Context, actorID, target, role string) error {
	if target == "" || role == "" {
		return errors.New("actor and role required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Auth.Require(ctx, tx, actorID, auth.PermRBAC); err != nil {
		return err
	}
	if _, ok := e.roleDef(role); !ok {
		return fmt.Errorf("unknown role %q", role)
	}
	if err := e.Repo.EnsureActor(ctx, tx, target, e.stamp()); err != nil {
		return err
	}
	if err := e.Repo.AssignRole(ctx, tx, target, role); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.log().Info("role granted", zap.String("actor_id", actorID), zap.String("target", target), zap.String("role", role))
	return nil
}

// RevokeRole removes role from target. The last owner cannot be revoked.
func (e Engine) RevokeRole(ctx context.Context, actorID, target, role string) error {
	if target == "" || role == "" {
		return errors.New("actor and role required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Auth.Require(ctx, tx, actorID, auth.PermRBAC); err != nil {
		return err
	}
	if role == OwnerRole {
		roles, err := e.Auth.ActorRoles(ctx, tx, target)
		if err != nil {
			return err
		}
		holds := false
		for _, r := range roles {
			holds = holds || r == OwnerRole
		}
		n, err := e.Repo.CountRoleHolders(ctx, tx, OwnerRole)
		if err != nil {
			return err
		}
		if holds && n <= 1 {
			return ErrLastOwner
		}
	}
	if err := e.Repo.RevokeRole(ctx, tx, target, role); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.log().Info("role revoked", zap.String("actor_id", actorID), zap.String("target", target), zap.String("role", role))
	return nil
}

func (e Engine) WhoAmI(ctx context.Context, actorID string) (domain.WhoAmI, error) {
	roles, err := e.Auth.ActorRoles(ctx, nil, actorID)
	if err != nil {
		return domain.WhoAmI{}, err
	}
	perms, err := e.Auth.ActorPermissions(ctx, nil, actorID)
	if err != nil {
		return domain.WhoAmI{}, err
	}
	if roles == nil {
		roles = []string{}
	}
	if perms == nil {
		perms = []string{}
	}
	return domain.WhoAmI{ActorID: actorID, Roles: roles, Permissions: perms}, nil
}

// CreateAPIKey issues a key for target and returns the stored record with
// the plain secret. Actors may mint keys for themselves; minting for anyone
// else needs rbac.manage.
func (e Engine) CreateAPIKey(ctx context.Context, actorID, target, name string) (domain.APIKey, string, error) {
	if target == "" {
		target = actorID
	}
	if target == "" {
		return domain.APIKey{}, "", errors.New("actor required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.APIKey{}, "", err
	}
	defer tx.Rollback()
	if target != actorID {
		if err := e.Auth.Require(ctx, tx, actorID, auth.PermRBAC); err != nil {
			return domain.APIKey{}, "", err
		}
	}
	if err := e.Repo.EnsureActor(ctx, tx, target, e.stamp()); err != nil {
		return domain.APIKey{}, "", err
	}
	key, secret := repo.NewAPIKey(target, name)
	key.CreatedAt = e.stamp()
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return domain.APIKey{}, "", err
	}
	e.log().Info("api key created", zap.String("actor_id", actorID), zap.String("target", target), zap.String("key_id", key.ID))
	return key, secret, nil
}

func (e Engine) roleDef(role string) (config.RBACRole, bool) {
	if e.Config == nil {
		return config.RBACRole{}, false
	}
	def, ok := e.Config.RBAC.Roles[role]
	return def, ok
}
