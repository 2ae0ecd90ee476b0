package repo

import (
	"context"
	"database/sql"

	"inspectline/internal/domain"
)

func (r Repo) InsertNotification(ctx context.Context, tx *sql.Tx, n domain.Notification) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO notifications(id,user_id,message,type,link,is_read,ts) VALUES (?,?,?,?,?,?,?)`,
		n.ID, n.UserID, n.Message, string(n.Type), nullable(n.Link), boolInt(n.IsRead), n.Timestamp)
	return err
}

func (r Repo) ListNotifications(ctx context.Context, userID string, unreadOnly bool, limit int) ([]domain.Notification, error) {
	query := `SELECT id,user_id,message,type,COALESCE(link,''),is_read,ts FROM notifications WHERE user_id=?`
	args := []any{userID}
	if unreadOnly {
		query += ` AND is_read=0`
	}
	query, args = limitClause(query+` ORDER BY ts DESC, id DESC`, args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Notification
	for rows.Next() {
		var n domain.Notification
		var read int
		if err := rows.Scan(&n.ID, &n.UserID, &n.Message, &n.Type, &n.Link, &read, &n.Timestamp); err != nil {
			return nil, err
		}
		n.IsRead = read == 1
		res = append(res, n)
	}
	return res, rows.Err()
}

// MarkNotificationRead flags a notification owned by userID as read.
func (r Repo) MarkNotificationRead(ctx context.Context, id, userID string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE notifications SET is_read=1 WHERE id=? AND user_id=?`, id, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
