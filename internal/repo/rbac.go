package repo

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
)

func (r Repo) EnsureActor(ctx context.Context, tx *sql.Tx, actorID, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO actors(id, created_at) VALUES (?,?)`, actorID, now)
	return errors.Wrapf(err, "ensure actor %s", actorID)
}

func (r Repo) InsertRole(ctx context.Context, tx *sql.Tx, id, desc string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO roles(id, description) VALUES (?,?)
ON CONFLICT(id) DO UPDATE SET description=excluded.description`, id, nullable(desc))
	return errors.Wrapf(err, "insert role %s", id)
}

func (r Repo) InsertPermission(ctx context.Context, tx *sql.Tx, id, desc string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO permissions(id, description) VALUES (?,?)`, id, nullable(desc))
	return errors.Wrapf(err, "insert permission %s", id)
}

// ReplaceRolePermissionsTx makes the stored grants of a role match perms exactly.
func (r Repo) ReplaceRolePermissionsTx(ctx context.Context, tx *sql.Tx, roleID string, perms []string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM role_permissions WHERE role_id=?`, roleID); err != nil {
		return errors.Wrapf(err, "clear permissions of role %s", roleID)
	}
	for _, perm := range perms {
		if err := r.InsertPermission(ctx, tx, perm, ""); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO role_permissions(role_id, permission_id) VALUES (?,?)`, roleID, perm); err != nil {
			return errors.Wrapf(err, "grant %s to role %s", perm, roleID)
		}
	}
	return nil
}

func (r Repo) RoleExistsTx(ctx context.Context, tx *sql.Tx, roleID string) (bool, error) {
	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM roles WHERE id=?`, roleID).Scan(&n); err != nil {
		return false, errors.Wrap(err, "read role")
	}
	return n > 0, nil
}

func (r Repo) AssignRole(ctx context.Context, tx *sql.Tx, actorID, roleID string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO actor_roles(actor_id, role_id) VALUES (?,?)`, actorID, roleID)
	return errors.Wrapf(err, "assign role %s to %s", roleID, actorID)
}

func (r Repo) RevokeRole(ctx context.Context, tx *sql.Tx, actorID, roleID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM actor_roles WHERE actor_id=? AND role_id=?`, actorID, roleID)
	return errors.Wrapf(err, "revoke role %s from %s", roleID, actorID)
}
