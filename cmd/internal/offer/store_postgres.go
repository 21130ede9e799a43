package offer

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"collab/cmd/internal/ids"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists offer documents in PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
// - Replace is a single conditional UPDATE on (id, version); the loser of a race affects zero rows
//   and gets ErrVersionConflict. The history row is written in the same transaction.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// StoreOption configures PostgresStore.
type StoreOption func(*PostgresStore) error

// WithSchema sets the DB schema used by the store (default: "collab").
func WithSchema(schema string) StoreOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return fmt.Errorf("%w: empty schema", ErrInvalidInput)
		}
		if !isValidPGIdent(schema) {
			return fmt.Errorf("%w: invalid schema identifier", ErrInvalidInput)
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...StoreOption) (*PostgresStore, error) {
	st := &PostgresStore{pool: pool, schema: "collab"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidInput)
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// EnsureSchema creates the schema, tables and indexes when missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, SchemaSQL(s.schema)); err != nil {
		return fmt.Errorf("offer: ensure schema: %w", err)
	}
	return nil
}

// SchemaSQL returns the DDL for the offers tables inside schema.
func SchemaSQL(schema string) string {
	offers := pgIdent(schema, "offers")
	history := pgIdent(schema, "offer_history")

	return fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %s;

CREATE TABLE IF NOT EXISTS %s (
  id                  TEXT PRIMARY KEY,
  business_people_ref TEXT NOT NULL,
  content_creator_ref TEXT NOT NULL,
  campaign_ref        TEXT NOT NULL,
  offered_price       BIGINT NOT NULL CHECK (offered_price > 0),
  negotiated_price    BIGINT,
  important_notes     TEXT NOT NULL DEFAULT '',
  negotiated_notes    TEXT NOT NULL DEFAULT '',
  status              TEXT NOT NULL CHECK (status IN ('pending', 'approved', 'rejected', 'negotiate')),
  last_actor          TEXT NOT NULL CHECK (last_actor IN ('business', 'creator')),
  version             BIGINT NOT NULL CHECK (version > 0),
  created_at          TIMESTAMPTZ NOT NULL,
  updated_at          TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_offers_parties_status
  ON %s (business_people_ref, content_creator_ref, status);

CREATE INDEX IF NOT EXISTS idx_offers_campaign
  ON %s (campaign_ref);

CREATE TABLE IF NOT EXISTS %s (
  offer_id    TEXT NOT NULL REFERENCES %s(id) ON DELETE CASCADE,
  version     BIGINT NOT NULL,
  from_status TEXT,
  to_status   TEXT NOT NULL,
  actor_id    TEXT NOT NULL,
  actor_role  TEXT NOT NULL,
  price       BIGINT NOT NULL,
  notes       TEXT NOT NULL DEFAULT '',
  at          TIMESTAMPTZ NOT NULL,

  PRIMARY KEY (offer_id, version)
);
`, pgx.Identifier{schema}.Sanitize(), offers, offers, offers, history, offers)
}

const offerColumns = `id, business_people_ref, content_creator_ref, campaign_ref, offered_price, negotiated_price,
		       important_notes, negotiated_notes, status, last_actor, version, created_at, updated_at`

// Create inserts a new document with Version = 1.
func (s *PostgresStore) Create(ctx context.Context, doc Document, entry HistoryEntry) (Document, error) {
	if s == nil || s.pool == nil {
		return Document{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}
	if doc.BusinessPeople.Path() == "" || doc.ContentCreator.Path() == "" || doc.Campaign.Path() == "" {
		return Document{}, ErrInvalidInput
	}

	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}
	if doc.UpdatedAt.IsZero() {
		doc.UpdatedAt = doc.CreatedAt
	}
	if strings.TrimSpace(doc.ID) == "" {
		id, err := ids.NewULID(doc.CreatedAt)
		if err != nil {
			return Document{}, err
		}
		doc.ID = id
	}
	doc.Version = 1

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return Document{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	offers := pgIdent(s.schema, "offers")
	_, err = tx.Exec(ctx,
		`INSERT INTO `+offers+` (`+offerColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		doc.ID,
		doc.BusinessPeople.Path(),
		doc.ContentCreator.Path(),
		doc.Campaign.Path(),
		doc.OfferedPrice,
		doc.NegotiatedPrice,
		doc.ImportantNotes,
		doc.NegotiatedNotes,
		string(doc.Status),
		string(doc.LastActor),
		doc.Version,
		doc.CreatedAt,
		doc.UpdatedAt,
	)
	if err != nil {
		if pgIsUniqueViolation(err) {
			return Document{}, ErrVersionConflict
		}
		return Document{}, fmt.Errorf("insert offer: %w", err)
	}

	entry.OfferID = doc.ID
	entry.Version = doc.Version
	if err := s.insertHistory(ctx, tx, entry); err != nil {
		return Document{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Document{}, err
	}
	return doc, nil
}

// Get fetches a document by id.
func (s *PostgresStore) Get(ctx context.Context, id string) (Document, error) {
	if s == nil || s.pool == nil {
		return Document{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return Document{}, ErrInvalidInput
	}

	offers := pgIdent(s.schema, "offers")
	d, err := scanDocument(s.pool.QueryRow(ctx,
		`SELECT `+offerColumns+`
		   FROM `+offers+`
		  WHERE id = $1`,
		id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Document{}, ErrNotFound
		}
		return Document{}, err
	}
	return d, nil
}

// Replace overwrites the whole document when the stored version equals expectedVersion.
func (s *PostgresStore) Replace(ctx context.Context, doc Document, expectedVersion int64, entry HistoryEntry) (Document, error) {
	if s == nil || s.pool == nil {
		return Document{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}
	if strings.TrimSpace(doc.ID) == "" || expectedVersion <= 0 {
		return Document{}, ErrInvalidInput
	}
	if doc.UpdatedAt.IsZero() {
		doc.UpdatedAt = time.Now().UTC()
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return Document{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	offers := pgIdent(s.schema, "offers")
	out, err := scanDocument(tx.QueryRow(ctx,
		`UPDATE `+offers+`
		    SET business_people_ref = $3,
		        content_creator_ref = $4,
		        campaign_ref = $5,
		        offered_price = $6,
		        negotiated_price = $7,
		        important_notes = $8,
		        negotiated_notes = $9,
		        status = $10,
		        last_actor = $11,
		        version = version + 1,
		        updated_at = $12
		  WHERE id = $1
		    AND version = $2
		RETURNING `+offerColumns,
		doc.ID,
		expectedVersion,
		doc.BusinessPeople.Path(),
		doc.ContentCreator.Path(),
		doc.Campaign.Path(),
		doc.OfferedPrice,
		doc.NegotiatedPrice,
		doc.ImportantNotes,
		doc.NegotiatedNotes,
		string(doc.Status),
		string(doc.LastActor),
		doc.UpdatedAt,
	))
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return Document{}, err
		}
		// Distinguish not-found vs stale version.
		if _, selErr := s.Get(ctx, doc.ID); selErr != nil {
			return Document{}, selErr
		}
		return Document{}, ErrVersionConflict
	}

	entry.OfferID = out.ID
	entry.Version = out.Version
	if err := s.insertHistory(ctx, tx, entry); err != nil {
		return Document{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Document{}, err
	}
	return out, nil
}

// Query returns the documents matching q ordered by created_at, then id.
func (s *PostgresStore) Query(ctx context.Context, q Query) ([]Document, error) {
	if s == nil || s.pool == nil {
		return nil, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, "$"+strconv.Itoa(len(args))))
	}

	if q.OfferID != "" {
		add("id = %s", q.OfferID)
	}
	if q.BusinessPeopleID != "" {
		add("business_people_ref = %s", refTo(CollectionBusinessPeople, q.BusinessPeopleID).Path())
	}
	if q.ContentCreatorID != "" {
		add("content_creator_ref = %s", refTo(CollectionContentCreators, q.ContentCreatorID).Path())
	}
	if q.CampaignID != "" {
		add("campaign_ref = %s", refTo(CollectionCampaigns, q.CampaignID).Path())
	}
	if len(q.Statuses) > 0 {
		statuses := make([]string, 0, len(q.Statuses))
		for _, st := range q.Statuses {
			statuses = append(statuses, string(st))
		}
		add("status = ANY(%s)", statuses)
	}

	sql := `SELECT ` + offerColumns + ` FROM ` + pgIdent(s.schema, "offers")
	if len(where) > 0 {
		sql += ` WHERE ` + strings.Join(where, " AND ")
	}
	sql += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Document, 0, 16)
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// History returns the history entries for an offer ordered by version.
func (s *PostgresStore) History(ctx context.Context, offerID string) ([]HistoryEntry, error) {
	if s == nil || s.pool == nil {
		return nil, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := s.Get(ctx, offerID); err != nil {
		return nil, err
	}

	history := pgIdent(s.schema, "offer_history")
	rows, err := s.pool.Query(ctx,
		`SELECT offer_id, version, from_status, to_status, actor_id, actor_role, price, notes, at
		   FROM `+history+`
		  WHERE offer_id = $1
		  ORDER BY version ASC`,
		offerID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var (
			h        HistoryEntry
			from     *string
			to, role string
		)
		if err := rows.Scan(&h.OfferID, &h.Version, &from, &to, &h.ActorID, &role, &h.Price, &h.Notes, &h.At); err != nil {
			return nil, err
		}
		if from != nil {
			h.FromStatus = Status(*from)
		}
		h.ToStatus = Status(to)
		h.ActorRole = Role(role)
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) insertHistory(ctx context.Context, tx pgx.Tx, h HistoryEntry) error {
	var from *string
	if h.FromStatus != "" {
		v := string(h.FromStatus)
		from = &v
	}
	if h.At.IsZero() {
		h.At = time.Now().UTC()
	}

	history := pgIdent(s.schema, "offer_history")
	_, err := tx.Exec(ctx,
		`INSERT INTO `+history+` (offer_id, version, from_status, to_status, actor_id, actor_role, price, notes, at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		h.OfferID, h.Version, from, string(h.ToStatus), h.ActorID, string(h.ActorRole), h.Price, h.Notes, h.At,
	)
	if err != nil {
		return fmt.Errorf("insert offer history: %w", err)
	}
	return nil
}

func scanDocument(row pgx.Row) (Document, error) {
	var (
		d                  Document
		bpRef, ccRef, cRef string
		status, lastActor  string
	)
	if err := row.Scan(
		&d.ID,
		&bpRef,
		&ccRef,
		&cRef,
		&d.OfferedPrice,
		&d.NegotiatedPrice,
		&d.ImportantNotes,
		&d.NegotiatedNotes,
		&status,
		&lastActor,
		&d.Version,
		&d.CreatedAt,
		&d.UpdatedAt,
	); err != nil {
		return Document{}, err
	}

	var err error
	if d.BusinessPeople, err = ParseDocRef(bpRef); err != nil {
		return Document{}, err
	}
	if d.ContentCreator, err = ParseDocRef(ccRef); err != nil {
		return Document{}, err
	}
	if d.Campaign, err = ParseDocRef(cRef); err != nil {
		return Document{}, err
	}
	d.Status = Status(status)
	d.LastActor = Role(lastActor)
	return d, nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func pgIsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23505" // unique_violation
}

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}
