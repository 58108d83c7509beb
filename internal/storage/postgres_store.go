package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"embed"
	"errors"
	"fmt"
	"net"
	"sort"
	"time"

	"github.com/lib/pq"

	"github.com/example/walk-buddy/internal/apperr"
	"github.com/example/walk-buddy/internal/lifecycle"
	"github.com/example/walk-buddy/internal/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

const requestColumns = `id, user_id, start_lat, start_lng, dest_lat, dest_lng, status, COALESCE(matched_with, ''), created_at, expires_at`

const matchColumns = `id, request_1_id, request_2_id, user_1_id, user_2_id, meetup_lat, meetup_lng, status, confirmed_1, confirmed_2, created_at, updated_at`

// PostgresStore is the durable Store. Status changes are UPDATE ... WHERE
// status = <expected> statements whose affected-row count decides between
// success and apperr.ErrConflict.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, mapErr("ping", "", err)
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) Ping(ctx context.Context) error {
	return mapErr("ping", "", p.db.PingContext(ctx))
}

// Migrate applies the embedded schema files in name order. They are written
// to be re-runnable.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	entries, err := migrations.ReadDir("migrations")
	if err != nil {
		return err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	for _, name := range names {
		b, err := migrations.ReadFile("migrations/" + name)
		if err != nil {
			return err
		}
		if _, err := p.db.ExecContext(ctx, string(b)); err != nil {
			return fmt.Errorf("migration %s: %w", name, err)
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(s rowScanner) (models.WalkRequest, error) {
	var r models.WalkRequest
	var status string
	err := s.Scan(&r.ID, &r.UserID, &r.Start.Lat, &r.Start.Lng, &r.Dest.Lat, &r.Dest.Lng, &status, &r.MatchedWith, &r.CreatedAt, &r.ExpiresAt)
	r.Status = models.RequestStatus(status)
	return r, err
}

func scanMatch(s rowScanner) (models.Match, error) {
	var m models.Match
	var status string
	err := s.Scan(&m.ID, &m.Request1ID, &m.Request2ID, &m.User1ID, &m.User2ID, &m.Meetup.Lat, &m.Meetup.Lng, &status, &m.Confirmed1, &m.Confirmed2, &m.CreatedAt, &m.UpdatedAt)
	m.Status = models.MatchStatus(status)
	return m, err
}

func (p *PostgresStore) CreateRequest(ctx context.Context, r *models.WalkRequest) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO walk_requests(id, user_id, start_lat, start_lng, dest_lat, dest_lng, status, matched_with, created_at, expires_at) VALUES($1,$2,$3,$4,$5,$6,$7,NULLIF($8,''),$9,$10)`,
		r.ID, r.UserID, r.Start.Lat, r.Start.Lng, r.Dest.Lat, r.Dest.Lng, string(r.Status), r.MatchedWith, r.CreatedAt, r.ExpiresAt)
	if isUniqueViolation(err) {
		return apperr.Conflict("create_request", r.ID)
	}
	return mapErr("create_request", r.ID, err)
}

func (p *PostgresStore) GetRequest(ctx context.Context, id string) (*models.WalkRequest, error) {
	r, err := scanRequest(p.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM walk_requests WHERE id = $1`, id))
	if err != nil {
		return nil, mapErr("get_request", id, err)
	}
	return &r, nil
}

func (p *PostgresStore) GetRequests(ctx context.Context, ids []string) ([]models.WalkRequest, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := p.db.QueryContext(ctx, `SELECT `+requestColumns+` FROM walk_requests WHERE id = ANY($1) ORDER BY created_at, id`, pq.Array(ids))
	if err != nil {
		return nil, mapErr("get_requests", "", err)
	}
	return collectRequests(rows)
}

func (p *PostgresStore) ListWaiting(ctx context.Context, now time.Time) ([]models.WalkRequest, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+requestColumns+` FROM walk_requests WHERE status = 'waiting' AND expires_at > $1 ORDER BY created_at, id`, now)
	if err != nil {
		return nil, mapErr("list_waiting", "", err)
	}
	return collectRequests(rows)
}

func collectRequests(rows *sql.Rows) ([]models.WalkRequest, error) {
	defer rows.Close()
	var out []models.WalkRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan walk request: %w", err)
		}
		out = append(out, r)
	}
	return out, mapErr("scan_requests", "", rows.Err())
}

func (p *PostgresStore) TransitionRequest(ctx context.Context, id string, from, to models.RequestStatus) (*models.WalkRequest, error) {
	if err := lifecycle.CheckRequest("transition_request", id, from, to); err != nil {
		return nil, err
	}
	r, err := scanRequest(p.db.QueryRowContext(ctx, `UPDATE walk_requests SET status = $3 WHERE id = $1 AND status = $2 RETURNING `+requestColumns, id, string(from), string(to)))
	if errors.Is(err, sql.ErrNoRows) {
		if _, gerr := p.GetRequest(ctx, id); gerr != nil {
			return nil, gerr
		}
		return nil, apperr.Conflict("transition_request", id)
	}
	if err != nil {
		return nil, mapErr("transition_request", id, err)
	}
	return &r, nil
}

func (p *PostgresStore) ExpireWaiting(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `UPDATE walk_requests SET status = 'expired' WHERE status = 'waiting' AND expires_at <= $1 RETURNING id`, now)
	if err != nil {
		return nil, mapErr("expire_waiting", "", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, mapErr("expire_waiting", "", rows.Err())
}

func (p *PostgresStore) CommitMatch(ctx context.Context, m *models.Match, now time.Time) (err error) {
	if m.Request1ID == m.Request2ID {
		return apperr.InvalidInput("commit_match", "a match needs two distinct requests")
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return mapErr("commit_match", m.ID, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	// lock both rows in id order so concurrent pairings cannot deadlock
	rows, err := tx.QueryContext(ctx, `SELECT id, user_id FROM walk_requests WHERE id = ANY($1) ORDER BY id FOR UPDATE`, pq.Array([]string{m.Request1ID, m.Request2ID}))
	if err != nil {
		return mapErr("commit_match", m.ID, err)
	}
	users := make(map[string]string, 2)
	for rows.Next() {
		var id, user string
		if err = rows.Scan(&id, &user); err != nil {
			_ = rows.Close()
			return err
		}
		users[id] = user
	}
	_ = rows.Close()
	for _, id := range []string{m.Request1ID, m.Request2ID} {
		if _, ok := users[id]; !ok {
			return apperr.NotFound("commit_match", id)
		}
	}
	m.User1ID, m.User2ID = users[m.Request1ID], users[m.Request2ID]

	claim := func(id, partner string) error {
		res, err := tx.ExecContext(ctx, `UPDATE walk_requests SET status = 'matched', matched_with = $2 WHERE id = $1 AND status = 'waiting' AND expires_at > $3`, id, partner, now)
		if err != nil {
			return mapErr("commit_match", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return apperr.Conflict("commit_match", id)
		}
		return nil
	}
	if err = claim(m.Request1ID, m.User2ID); err != nil {
		return err
	}
	if err = claim(m.Request2ID, m.User1ID); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO walk_matches(`+matchColumns+`) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		m.ID, m.Request1ID, m.Request2ID, m.User1ID, m.User2ID, m.Meetup.Lat, m.Meetup.Lng, string(m.Status), m.Confirmed1, m.Confirmed2, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return mapErr("commit_match", m.ID, err)
	}
	if err = tx.Commit(); err != nil {
		return mapErr("commit_match", m.ID, err)
	}
	return nil
}

func (p *PostgresStore) GetMatch(ctx context.Context, id string) (*models.Match, error) {
	m, err := scanMatch(p.db.QueryRowContext(ctx, `SELECT `+matchColumns+` FROM walk_matches WHERE id = $1`, id))
	if err != nil {
		return nil, mapErr("get_match", id, err)
	}
	return &m, nil
}

func (p *PostgresStore) MatchForRequest(ctx context.Context, requestID string) (*models.Match, error) {
	m, err := scanMatch(p.db.QueryRowContext(ctx, `SELECT `+matchColumns+` FROM walk_matches WHERE request_1_id = $1 OR request_2_id = $1`, requestID))
	if err != nil {
		return nil, mapErr("match_for_request", requestID, err)
	}
	return &m, nil
}

func (p *PostgresStore) UpdateMatchStatus(ctx context.Context, id string, from, to models.MatchStatus, now time.Time) (*models.Match, error) {
	if err := lifecycle.CheckMatch("update_match_status", id, from, to); err != nil {
		return nil, err
	}
	m, err := scanMatch(p.db.QueryRowContext(ctx, `UPDATE walk_matches SET status = $3, updated_at = $4 WHERE id = $1 AND status = $2 RETURNING `+matchColumns, id, string(from), string(to), now))
	if errors.Is(err, sql.ErrNoRows) {
		if _, gerr := p.GetMatch(ctx, id); gerr != nil {
			return nil, gerr
		}
		return nil, apperr.Conflict("update_match_status", id)
	}
	if err != nil {
		return nil, mapErr("update_match_status", id, err)
	}
	return &m, nil
}

func (p *PostgresStore) ConfirmMatch(ctx context.Context, id, userID string, now time.Time) (*models.Match, error) {
	m, err := scanMatch(p.db.QueryRowContext(ctx, `
UPDATE walk_matches SET
  confirmed_1 = confirmed_1 OR user_1_id = $2,
  confirmed_2 = confirmed_2 OR user_2_id = $2,
  updated_at = $3
WHERE id = $1 AND status IN ('pending', 'active') AND (user_1_id = $2 OR user_2_id = $2)
RETURNING `+matchColumns, id, userID, now))
	if errors.Is(err, sql.ErrNoRows) {
		cur, gerr := p.GetMatch(ctx, id)
		if gerr != nil {
			return nil, gerr
		}
		if !cur.HasUser(userID) {
			return nil, apperr.Unauthorized("confirm_match", id)
		}
		return nil, apperr.Conflict("confirm_match", id)
	}
	if err != nil {
		return nil, mapErr("confirm_match", id, err)
	}
	return &m, nil
}

func (p *PostgresStore) CloseMatch(ctx context.Context, id string, to models.MatchStatus, requestTo models.RequestStatus, now time.Time) (_ *models.Match, err error) {
	if !lifecycle.MatchTerminal(to) || !lifecycle.CanTransitionRequest(models.RequestMatched, requestTo) {
		return nil, apperr.InvalidState("close_match", id, "", string(to))
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, mapErr("close_match", id, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	sources := lifecycle.MatchSourcesFor(to)
	from := make([]string, 0, len(sources))
	for _, s := range sources {
		from = append(from, string(s))
	}
	m, err := scanMatch(tx.QueryRowContext(ctx, `UPDATE walk_matches SET status = $2, updated_at = $3 WHERE id = $1 AND status = ANY($4) RETURNING `+matchColumns, id, string(to), now, pq.Array(from)))
	if errors.Is(err, sql.ErrNoRows) {
		if _, gerr := p.GetMatch(ctx, id); gerr != nil {
			err = gerr
			return nil, err
		}
		err = apperr.Conflict("close_match", id)
		return nil, err
	}
	if err != nil {
		return nil, mapErr("close_match", id, err)
	}
	res, err := tx.ExecContext(ctx, `UPDATE walk_requests SET status = $3 WHERE id IN ($1, $2) AND status = 'matched'`, m.Request1ID, m.Request2ID, string(requestTo))
	if err != nil {
		return nil, mapErr("close_match", id, err)
	}
	if n, _ := res.RowsAffected(); n != 2 {
		err = apperr.Conflict("close_match", id)
		return nil, err
	}
	if err = tx.Commit(); err != nil {
		return nil, mapErr("close_match", id, err)
	}
	return &m, nil
}

func (p *PostgresStore) GetProfile(ctx context.Context, userID string) (*models.Profile, error) {
	var pr models.Profile
	err := p.db.QueryRowContext(ctx, `SELECT user_id, trust_score, is_banned FROM profiles WHERE user_id = $1`, userID).Scan(&pr.UserID, &pr.TrustScore, &pr.IsBanned)
	if err != nil {
		return nil, mapErr("get_profile", userID, err)
	}
	return &pr, nil
}

func (p *PostgresStore) GetProfiles(ctx context.Context, userIDs []string) (map[string]models.Profile, error) {
	out := make(map[string]models.Profile, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}
	rows, err := p.db.QueryContext(ctx, `SELECT user_id, trust_score, is_banned FROM profiles WHERE user_id = ANY($1)`, pq.Array(userIDs))
	if err != nil {
		return nil, mapErr("get_profiles", "", err)
	}
	defer rows.Close()
	for rows.Next() {
		var pr models.Profile
		if err := rows.Scan(&pr.UserID, &pr.TrustScore, &pr.IsBanned); err != nil {
			return nil, err
		}
		out[pr.UserID] = pr
	}
	return out, mapErr("get_profiles", "", rows.Err())
}

func (p *PostgresStore) UpsertProfile(ctx context.Context, pr models.Profile) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO profiles(user_id, trust_score, is_banned) VALUES($1,$2,$3)
ON CONFLICT (user_id) DO UPDATE SET trust_score = EXCLUDED.trust_score, is_banned = EXCLUDED.is_banned`,
		pr.UserID, ClampTrust(pr.TrustScore), pr.IsBanned)
	return mapErr("upsert_profile", pr.UserID, err)
}

func (p *PostgresStore) UpdateProfile(ctx context.Context, userID string, fn func(*models.Profile) error) (_ *models.Profile, err error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, mapErr("update_profile", userID, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	var pr models.Profile
	err = tx.QueryRowContext(ctx, `SELECT user_id, trust_score, is_banned FROM profiles WHERE user_id = $1 FOR UPDATE`, userID).Scan(&pr.UserID, &pr.TrustScore, &pr.IsBanned)
	if err != nil {
		err = mapErr("update_profile", userID, err)
		return nil, err
	}
	if err = fn(&pr); err != nil {
		return nil, err
	}
	pr.TrustScore = ClampTrust(pr.TrustScore)
	if _, err = tx.ExecContext(ctx, `UPDATE profiles SET trust_score = $2, is_banned = $3 WHERE user_id = $1`, pr.UserID, pr.TrustScore, pr.IsBanned); err != nil {
		err = mapErr("update_profile", userID, err)
		return nil, err
	}
	if err = tx.Commit(); err != nil {
		err = mapErr("update_profile", userID, err)
		return nil, err
	}
	return &pr, nil
}

// mapErr turns driver errors into apperr kinds. nil stays nil.
func mapErr(op, id string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.NotFound(op, id)
	}
	var netErr net.Error
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, context.DeadlineExceeded) || errors.As(err, &netErr) {
		return apperr.Unavailable(op, err)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code.Class() == "08" {
		return apperr.Unavailable(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
