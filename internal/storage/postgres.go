package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"commdispatch/internal/comm"
	logx "commdispatch/pkg/logx"
)

//go:embed schema_postgres.sql
var postgresSchema string

type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type postgresStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

// claimPostgres locks one candidate, skipping rows other transactions hold,
// and flips it to sending in the same statement.
var claimPostgres = `
WITH next AS (
  SELECT id FROM recipients
  WHERE ` + rebind(claimCandidate) + `
  ORDER BY id
  LIMIT 1
  FOR UPDATE SKIP LOCKED
)
UPDATE recipients r
SET status = 'sending', modified_at = $4, first_attempt_at = COALESCE(r.first_attempt_at, $4),
    attempts = r.attempts + 1, version = r.version + 1
FROM next
WHERE r.id = next.id
RETURNING r.id`

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("postgres dsn is required")
	}
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	pcfg.HealthCheckPeriod = time.Minute
	pcfg.ConnConfig.ConnectTimeout = 10 * time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres schema: %w", err)
	}
	return &postgresStore{pool: pool, log: log.With(logx.String("comp", "storage.postgres"))}, nil
}

func (s *postgresStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

// ---- communications ----

func (s *postgresStore) GetCommunication(ctx context.Context, id int64) (*comm.Communication, error) {
	return pgGetCommunication(ctx, s.pool, id)
}

func pgGetCommunication(ctx context.Context, q pgQuerier, id int64) (*comm.Communication, error) {
	var (
		c                    comm.Communication
		status, policy, crit string
	)
	err := q.QueryRow(ctx, `SELECT `+communicationColumns+` FROM communications WHERE id = $1`, id).Scan(
		&c.ID, &c.Name, &c.Subject, &c.Body, &c.FromAddress, &c.Attachments, &status, &policy,
		&c.ListGroupID, &c.SegmentIDs, &crit, &c.FutureSendAt, &c.ExcludeDuplicateAddresses, &c.SentAt, &c.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("communication %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	c.Status = comm.Status(status)
	c.MediumPolicy = comm.MediumPreference(policy)
	c.SegmentCriteria = comm.SegmentCriteria(crit)
	return &c, nil
}

func (s *postgresStore) CreateCommunication(ctx context.Context, c *comm.Communication) (int64, error) {
	created := c.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO communications(name, subject, body, from_address, attachments, status, medium_policy,
		  list_group_id, segment_ids, segment_criteria, future_send_at, exclude_duplicates, sent_at, created_at)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14) RETURNING id`,
		c.Name, c.Subject, c.Body, c.FromAddress, nonNilStrings(c.Attachments), string(c.Status), string(c.MediumPolicy),
		c.ListGroupID, nonNilInts(c.SegmentIDs), string(c.SegmentCriteria), c.FutureSendAt, c.ExcludeDuplicateAddresses,
		c.SentAt, created,
	).Scan(&id)
	if err != nil {
		return 0, err
	}
	c.ID = id
	return id, nil
}

func (s *postgresStore) SetCommunicationStatus(ctx context.Context, id int64, status comm.Status) error {
	tag, err := s.pool.Exec(ctx, `UPDATE communications SET status = $1 WHERE id = $2`, string(status), id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("communication %d: %w", id, ErrNotFound)
	}
	return nil
}

func (s *postgresStore) MarkCommunicationSent(ctx context.Context, id int64, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE communications SET sent_at = $1 WHERE id = $2 AND sent_at IS NULL`, at, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *postgresStore) ListDueCommunications(ctx context.Context, now time.Time, limit int) ([]int64, error) {
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM communications
		 WHERE status = 'approved' AND sent_at IS NULL AND (future_send_at IS NULL OR future_send_at <= $1)
		 ORDER BY id LIMIT $2`, now, lim)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

// ---- recipients ----

func pgScanRecipient(row pgx.Row) (*comm.Recipient, error) {
	var (
		r              comm.Recipient
		medium, status string
	)
	if err := row.Scan(&r.ID, &r.CommunicationID, &r.PersonAliasID, &r.PersonID, &medium, &status,
		&r.StatusNote, &r.Attempts, &r.FirstAttemptAt, &r.CreatedAt, &r.ModifiedAt, &r.ManuallyAdded, &r.Version); err != nil {
		return nil, err
	}
	r.Medium = comm.Medium(medium)
	r.Status = comm.RecipientStatus(status)
	return &r, nil
}

func pgMaterialize(ctx context.Context, q pgQuerier, id int64) (*comm.Recipient, error) {
	r, err := pgScanRecipient(q.QueryRow(ctx, `SELECT `+recipientColumns+` FROM `+recipientFrom+` WHERE r.id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("recipient %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	people, err := pgLoadPeople(ctx, q, `p.id = $1`, r.PersonID)
	if err != nil {
		return nil, err
	}
	r.Person = people[r.PersonID]
	if r.Communication, err = pgGetCommunication(ctx, q, r.CommunicationID); err != nil {
		return nil, err
	}
	return r, nil
}

func pgLoadPeople(ctx context.Context, q pgQuerier, where string, args ...any) (map[int64]*comm.Person, error) {
	rows, err := q.Query(ctx, `SELECT `+personColumns+` FROM people p WHERE `+where, args...)
	if err != nil {
		return nil, err
	}
	out := map[int64]*comm.Person{}
	for rows.Next() {
		var (
			p    comm.Person
			pref string
		)
		if err := rows.Scan(&p.ID, &p.PrimaryAliasID, &p.FirstName, &p.LastName, &p.Email, &p.PushToken, &pref, &p.Attributes); err != nil {
			rows.Close()
			return nil, err
		}
		p.Preference = comm.MediumPreference(pref)
		out[p.ID] = &p
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	phoneRows, err := q.Query(ctx,
		`SELECT ph.person_id, ph.number, ph.sms_enabled FROM phones ph
		 WHERE ph.person_id IN (SELECT p.id FROM people p WHERE `+where+`)
		 ORDER BY ph.person_id, ph.sort_order, ph.id`, args...)
	if err != nil {
		return nil, err
	}
	defer phoneRows.Close()
	for phoneRows.Next() {
		var (
			pid int64
			ph  comm.Phone
		)
		if err := phoneRows.Scan(&pid, &ph.Number, &ph.SMSEnabled); err != nil {
			return nil, err
		}
		if p := out[pid]; p != nil {
			p.Phones = append(p.Phones, ph)
		}
	}
	return out, phoneRows.Err()
}

func (s *postgresStore) GetRecipient(ctx context.Context, id int64) (*comm.Recipient, error) {
	return pgMaterialize(ctx, s.pool, id)
}

func (s *postgresStore) ListRecipientRefs(ctx context.Context, communicationID int64) ([]comm.RecipientRef, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT r.id, pa.person_id, r.person_alias_id, r.medium, r.status, r.manually_added
		 FROM `+recipientFrom+` WHERE r.communication_id = $1 ORDER BY r.id`, communicationID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (comm.RecipientRef, error) {
		var (
			ref            comm.RecipientRef
			medium, status string
		)
		err := row.Scan(&ref.ID, &ref.PersonID, &ref.PersonAliasID, &medium, &status, &ref.ManuallyAdded)
		ref.Medium = comm.Medium(medium)
		ref.Status = comm.RecipientStatus(status)
		return ref, err
	})
}

// InsertRecipients sends the whole batch as parallel arrays in one statement.
func (s *postgresStore) InsertRecipients(ctx context.Context, rows []comm.NewRecipient) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	commIDs := make([]int64, len(rows))
	aliases := make([]int64, len(rows))
	mediums := make([]string, len(rows))
	manual := make([]bool, len(rows))
	for i, nr := range rows {
		commIDs[i] = nr.CommunicationID
		aliases[i] = nr.PersonAliasID
		mediums[i] = string(nr.Medium)
		manual[i] = nr.ManuallyAdded
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO recipients(communication_id, person_alias_id, medium, manually_added)
		 SELECT * FROM unnest($1::bigint[], $2::bigint[], $3::text[], $4::boolean[])
		 ON CONFLICT (communication_id, person_alias_id, medium) DO NOTHING`,
		commIDs, aliases, mediums, manual)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *postgresStore) DeletePendingRecipients(ctx context.Context, communicationID int64, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM recipients WHERE communication_id = $1 AND status = 'pending' AND id = ANY($2)`, communicationID, ids)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *postgresStore) DeleteDuplicateAddressRecipients(ctx context.Context, communicationID int64) (int64, error) {
	tag, err := s.pool.Exec(ctx, rebind(dedupAddressSQL), communicationID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *postgresStore) DeleteNonPrimaryAliasRecipients(ctx context.Context, communicationID int64) (int64, error) {
	var total int64
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, q := range []string{dedupAliasDeleteSQL, dedupAliasRepointSQL} {
			tag, err := tx.Exec(ctx, rebind(q), communicationID)
			if err != nil {
				return err
			}
			total += tag.RowsAffected()
		}
		return nil
	})
	return total, err
}

func (s *postgresStore) ClaimNext(ctx context.Context, communicationID int64, medium comm.Medium, staleBefore, now time.Time) (*comm.Recipient, error) {
	var out *comm.Recipient
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var id int64
		err := tx.QueryRow(ctx, claimPostgres, communicationID, string(medium), staleBefore, now).Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		out, err = pgMaterialize(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *postgresStore) CompleteRecipient(ctx context.Context, c Completion) (bool, error) {
	tag, err := s.pool.Exec(ctx, rebind(completeSQL), string(c.Status), nullStr(c.Note), c.At, c.RecipientID, c.Version)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *postgresStore) ReapStaleLeases(ctx context.Context, p ReapParams) (ReapResult, error) {
	var out ReapResult
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, rebind(reapFailSQL), p.Note, p.Now, p.CommunicationID, p.HardCutoff)
		if err != nil {
			return err
		}
		out.Failed = tag.RowsAffected()
		tag, err = tx.Exec(ctx, rebind(reapRevertSQL), p.Now, p.CommunicationID, p.StaleBefore, p.HardCutoff)
		if err != nil {
			return err
		}
		out.Reverted = tag.RowsAffected()
		return nil
	})
	return out, err
}

func (s *postgresStore) HasPendingRecipients(ctx context.Context, communicationID int64) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM recipients WHERE communication_id = $1 AND status = 'pending')`,
		communicationID).Scan(&ok)
	return ok, err
}

func (s *postgresStore) UnresolvedCount(ctx context.Context, communicationID int64) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM recipients WHERE communication_id = $1 AND status IN ('pending', 'sending')`,
		communicationID).Scan(&n)
	return n, err
}

func (s *postgresStore) RecipientCounts(ctx context.Context, communicationID int64) (map[comm.RecipientStatus]int64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM recipients WHERE communication_id = $1 GROUP BY status`, communicationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[comm.RecipientStatus]int64{}
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[comm.RecipientStatus(status)] = n
	}
	return out, rows.Err()
}

func (s *postgresStore) RecipientMediums(ctx context.Context, communicationID int64) ([]comm.Medium, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT medium FROM recipients WHERE communication_id = $1 AND status IN ('pending', 'sending')`,
		communicationID)
	if err != nil {
		return nil, err
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	set := map[comm.Medium]bool{}
	for _, n := range names {
		set[comm.Medium(n)] = true
	}
	return orderedMediums(set), nil
}

// ---- directory ----

func (s *postgresStore) GroupMembers(ctx context.Context, groupID int64) ([]comm.Member, error) {
	people, err := pgLoadPeople(ctx, s.pool,
		`p.id IN (SELECT person_id FROM group_members WHERE group_id = $1)`, groupID)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT person_id, joined_at, preference FROM group_members WHERE group_id = $1 ORDER BY person_id`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []comm.Member
	for rows.Next() {
		var (
			pid    int64
			joined *time.Time
			pref   string
		)
		if err := rows.Scan(&pid, &joined, &pref); err != nil {
			return nil, err
		}
		p := people[pid]
		if p == nil {
			continue
		}
		out = append(out, comm.Member{GroupID: groupID, Person: p, JoinedAt: joined, Preference: comm.MediumPreference(pref)})
	}
	return out, rows.Err()
}

func (s *postgresStore) Segments(ctx context.Context, ids []int64) ([]comm.Segment, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `SELECT id, name, expression FROM segments WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	list, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (comm.Segment, error) {
		var seg comm.Segment
		err := row.Scan(&seg.ID, &seg.Name, &seg.Expression)
		return seg, err
	})
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]comm.Segment, len(list))
	for _, seg := range list {
		byID[seg.ID] = seg
	}
	return segmentsInOrder(ids, byID)
}

func (s *postgresStore) CreatePerson(ctx context.Context, p *comm.Person, withAlias bool) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var id int64
		if err := tx.QueryRow(ctx,
			`INSERT INTO people(first_name, last_name, email, push_token, preference, attributes)
			 VALUES($1,$2,$3,$4,$5,$6) RETURNING id`,
			p.FirstName, p.LastName, p.Email, p.PushToken, string(p.Preference), nonNilAttrs(p.Attributes),
		).Scan(&id); err != nil {
			return err
		}
		for i, ph := range p.Phones {
			if _, err := tx.Exec(ctx,
				`INSERT INTO phones(person_id, sort_order, number, sms_enabled) VALUES($1,$2,$3,$4)`,
				id, i, ph.Number, ph.SMSEnabled); err != nil {
				return err
			}
		}
		var alias int64
		if withAlias {
			if err := tx.QueryRow(ctx, `INSERT INTO person_aliases(person_id) VALUES($1) RETURNING id`, id).Scan(&alias); err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, `UPDATE people SET primary_alias_id = $1 WHERE id = $2`, alias, id); err != nil {
				return err
			}
		}
		p.ID = id
		p.PrimaryAliasID = alias
		return nil
	})
}

func (s *postgresStore) AddPersonAlias(ctx context.Context, personID int64) (int64, error) {
	var alias int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO person_aliases(person_id) SELECT id FROM people WHERE id = $1 RETURNING id`, personID).Scan(&alias)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("person %d: %w", personID, ErrNotFound)
	}
	return alias, err
}

func (s *postgresStore) AddGroupMember(ctx context.Context, groupID, personID int64, joinedAt *time.Time, pref comm.MediumPreference) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO group_members(group_id, person_id, joined_at, preference) VALUES($1,$2,$3,$4)
		 ON CONFLICT(group_id, person_id) DO UPDATE SET joined_at = excluded.joined_at, preference = excluded.preference`,
		groupID, personID, joinedAt, string(pref))
	return err
}

func (s *postgresStore) RemoveGroupMember(ctx context.Context, groupID, personID int64) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM group_members WHERE group_id = $1 AND person_id = $2`, groupID, personID)
	return err
}

func (s *postgresStore) CreateSegment(ctx context.Context, seg *comm.Segment) (int64, error) {
	var id int64
	if err := s.pool.QueryRow(ctx,
		`INSERT INTO segments(name, expression) VALUES($1,$2) RETURNING id`, seg.Name, seg.Expression).Scan(&id); err != nil {
		return 0, err
	}
	seg.ID = id
	return id, nil
}
