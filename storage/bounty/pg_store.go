package bounty

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"bountyboard-backend/core/bounty"
)

// PGStore persists gateway state in Postgres.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore connects and initializes the schema.
func NewPGStore(ctx context.Context, dsn string) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := NewSchemaManager(pool).Initialize(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &PGStore{pool: pool}, nil
}

func (s *PGStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping is used by the health endpoint.
func (s *PGStore) Ping(ctx context.Context) error {
	return wrapPG(s.pool.Ping(ctx))
}

const metadataColumns = `
m.id, m.title, m.description, m.attachments, m.creator_address, m.amount, m.status,
m.hunter_address, m.created_at, m.updated_at, m.completed_at, m.cancelled_at,
m.ledger_observed, m.metadata_attached,
(SELECT count(*) FROM bounty_submissions s WHERE s.bounty_id = m.id)`

func scanMetadata(row pgx.Row) (bounty.Metadata, error) {
	var (
		m       bounty.Metadata
		id      string
		creator string
		hunter  *string
		status  int16
		count   int64
	)
	err := row.Scan(&id, &m.Title, &m.Description, &m.Attachments, &creator, &m.Amount, &status,
		&hunter, &m.CreatedAt, &m.UpdatedAt, &m.CompletedAt, &m.CancelledAt,
		&m.LedgerObserved, &m.MetadataAttached, &count)
	if err != nil {
		return bounty.Metadata{}, err
	}
	m.ID = bounty.ID(id)
	m.CreatorAddress = bounty.Address(creator)
	m.Status = bounty.Status(status)
	if hunter != nil {
		m.HunterAddress = bounty.Address(*hunter)
	}
	if m.Attachments == nil {
		m.Attachments = []string{}
	}
	m.SubmissionCount = int(count)
	m.MetadataPending = !m.MetadataAttached
	return m, nil
}

func (s *PGStore) ObserveCreated(ctx context.Context, evt bounty.Event) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
INSERT INTO bounty_metadata (id, creator_address, amount, status, created_at, updated_at, ledger_observed)
VALUES ($1,$2,$3,0,$4,now(),TRUE)
ON CONFLICT (id) DO NOTHING
`, string(evt.BountyID), string(evt.Creator), evt.Amount, evt.Timestamp)
	if err != nil {
		return false, wrapPG(err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	_, err = s.pool.Exec(ctx, `UPDATE bounty_metadata SET ledger_observed=TRUE WHERE id=$1 AND NOT ledger_observed`, string(evt.BountyID))
	return false, wrapPG(err)
}

func (s *PGStore) ObserveResolved(ctx context.Context, evt bounty.Event) (bool, error) {
	status, hunter, err := resolutionFields(evt)
	if err != nil {
		return false, err
	}
	column := "completed_at"
	if status == bounty.StatusCancelled {
		column = "cancelled_at"
	}
	var hunterArg *string
	if hunter != "" {
		h := string(hunter)
		hunterArg = &h
	}
	tag, err := s.pool.Exec(ctx, `
UPDATE bounty_metadata SET status=$2, hunter_address=$3, `+column+`=$4, updated_at=now()
WHERE id=$1 AND completed_at IS NULL AND cancelled_at IS NULL
`, string(evt.BountyID), int16(status), hunterArg, evt.Timestamp)
	if err != nil {
		return false, wrapPG(err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM bounty_metadata WHERE id=$1)`, string(evt.BountyID)).Scan(&exists); err != nil {
		return false, wrapPG(err)
	}
	if !exists {
		return false, bounty.ErrNotFound
	}
	return false, nil
}

// AttachMetadata is a single upsert so it converges with ObserveCreated in
// either order. Only a row that already carries metadata is a conflict.
func (s *PGStore) AttachMetadata(ctx context.Context, in bounty.Metadata) (bounty.Metadata, error) {
	var id string
	err := s.pool.QueryRow(ctx, `
INSERT INTO bounty_metadata (id, title, description, attachments, creator_address, amount, status, created_at, updated_at, metadata_attached)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,now(),TRUE)
ON CONFLICT (id) DO UPDATE SET
  title=EXCLUDED.title, description=EXCLUDED.description, attachments=EXCLUDED.attachments,
  metadata_attached=TRUE, updated_at=now()
WHERE NOT bounty_metadata.metadata_attached
RETURNING id
`, string(in.ID), in.Title, in.Description, nonNil(in.Attachments), string(in.CreatorAddress), in.Amount, int16(in.Status), in.CreatedAt).Scan(&id)
	if err == pgx.ErrNoRows {
		return bounty.Metadata{}, bounty.ErrAlreadyExists
	}
	if err != nil {
		return bounty.Metadata{}, wrapPG(err)
	}
	return s.Get(ctx, bounty.ID(id))
}

func (s *PGStore) UpdateMetadata(ctx context.Context, id bounty.ID, title, description string, attachments []string) (bounty.Metadata, error) {
	tag, err := s.pool.Exec(ctx, `
UPDATE bounty_metadata SET title=$2, description=$3, attachments=$4, updated_at=now()
WHERE id=$1 AND metadata_attached
`, string(id), title, description, nonNil(attachments))
	if err != nil {
		return bounty.Metadata{}, wrapPG(err)
	}
	if tag.RowsAffected() == 0 {
		return bounty.Metadata{}, bounty.ErrNotFound
	}
	return s.Get(ctx, id)
}

func (s *PGStore) Get(ctx context.Context, id bounty.ID) (bounty.Metadata, error) {
	m, err := scanMetadata(s.pool.QueryRow(ctx, `SELECT `+metadataColumns+` FROM bounty_metadata m WHERE m.id=$1`, string(id)))
	if err != nil {
		return bounty.Metadata{}, wrapPG(err)
	}
	return m, nil
}

func (s *PGStore) List(ctx context.Context, filter bounty.BacklogFilter) ([]bounty.Metadata, error) {
	where := []string{"m.metadata_attached"}
	args := []interface{}{}
	if filter.Status != nil {
		args = append(args, int16(*filter.Status))
		where = append(where, fmt.Sprintf("m.status=$%d", len(args)))
	}
	if !filter.CreatedBefore.IsZero() {
		args = append(args, filter.CreatedBefore)
		where = append(where, fmt.Sprintf("m.created_at < $%d", len(args)))
	}
	if filter.Creator != "" {
		args = append(args, string(filter.Creator))
		where = append(where, fmt.Sprintf("m.creator_address=$%d", len(args)))
	}
	if filter.Before != nil {
		args = append(args, filter.Before.CreatedAt, string(filter.Before.ID))
		at, id := len(args)-1, len(args)
		where = append(where, fmt.Sprintf(`(m.created_at < $%d OR (m.created_at = $%d AND m.id COLLATE "C" < $%d))`, at, at, id))
	}
	query := `SELECT ` + metadataColumns + ` FROM bounty_metadata m WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY m.created_at DESC, m.id COLLATE "C" DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, wrapPG(err)
	}
	defer rows.Close()
	out := make([]bounty.Metadata, 0)
	for rows.Next() {
		m, err := scanMetadata(rows)
		if err != nil {
			return nil, wrapPG(err)
		}
		out = append(out, m)
	}
	return out, wrapPG(rows.Err())
}

func (s *PGStore) AddSubmission(ctx context.Context, sub bounty.Submission) (bounty.Submission, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return bounty.Submission{}, wrapPG(err)
	}
	defer tx.Rollback(ctx)

	var status int16
	if err := tx.QueryRow(ctx, `SELECT status FROM bounty_metadata WHERE id=$1 FOR UPDATE`, string(sub.BountyID)).Scan(&status); err != nil {
		return bounty.Submission{}, wrapPG(err)
	}
	if bounty.Status(status) != bounty.StatusOpen {
		return bounty.Submission{}, bounty.ErrNotOpen
	}
	if sub.SubmittedAt.IsZero() {
		sub.SubmittedAt = time.Now().UTC()
	}
	err = tx.QueryRow(ctx, `
INSERT INTO bounty_submissions (bounty_id, sequence, agent_wallet, result, submitted_at)
VALUES ($1, (SELECT COALESCE(MAX(sequence),0)+1 FROM bounty_submissions WHERE bounty_id=$1), $2, $3, $4)
RETURNING id, sequence
`, string(sub.BountyID), string(sub.AgentWallet), sub.Result, sub.SubmittedAt).Scan(&sub.ID, &sub.Sequence)
	if err != nil {
		return bounty.Submission{}, wrapPG(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return bounty.Submission{}, wrapPG(err)
	}
	return sub, nil
}

func (s *PGStore) ListSubmissions(ctx context.Context, id bounty.ID) ([]bounty.Submission, error) {
	m, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
SELECT id, bounty_id, sequence, agent_wallet, result, submitted_at
FROM bounty_submissions WHERE bounty_id=$1 ORDER BY sequence ASC
`, string(id))
	if err != nil {
		return nil, wrapPG(err)
	}
	defer rows.Close()

	subs := make([]bounty.Submission, 0)
	for rows.Next() {
		var (
			sub      bounty.Submission
			bountyID string
			wallet   string
		)
		if err := rows.Scan(&sub.ID, &bountyID, &sub.Sequence, &wallet, &sub.Result, &sub.SubmittedAt); err != nil {
			return nil, wrapPG(err)
		}
		sub.BountyID = bounty.ID(bountyID)
		sub.AgentWallet = bounty.Address(wallet)
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapPG(err)
	}
	markAfterResolution(subs, m.ResolvedAt())
	return subs, nil
}

func (s *PGStore) LoadCursor(ctx context.Context, name string) (uint64, error) {
	var pos int64
	err := s.pool.QueryRow(ctx, `SELECT position FROM gateway_cursors WHERE name=$1`, name).Scan(&pos)
	if err == pgx.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, wrapPG(err)
	}
	return uint64(pos), nil
}

func (s *PGStore) SaveCursor(ctx context.Context, name string, position uint64) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO gateway_cursors (name, position, updated_at) VALUES ($1,$2,now())
ON CONFLICT (name) DO UPDATE SET position=EXCLUDED.position, updated_at=now()
`, name, int64(position))
	return wrapPG(err)
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
