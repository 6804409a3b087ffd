//go:build sqlite
// +build sqlite

package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"commdispatch/internal/comm"
	logx "commdispatch/pkg/logx"
)

//go:embed schema_sqlite.sql
var sqliteSchemaFS embed.FS

// Rows per multi-VALUES statement; keeps bound parameters well under the
// sqlite variable limit.
const sqliteChunk = 200

type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log.With(logx.String("comp", "storage.sqlite"))}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := sqliteSchemaFS.ReadFile("schema_sqlite.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func ms(t time.Time) int64 { return t.UnixMilli() }

func msPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromMS(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}

// ---- communications ----

func (s *sqliteStore) GetCommunication(ctx context.Context, id int64) (*comm.Communication, error) {
	return sqliteGetCommunication(ctx, s.db, id)
}

func sqliteGetCommunication(ctx context.Context, q sqlQuerier, id int64) (*comm.Communication, error) {
	var (
		c                    comm.Communication
		attachments, segIDs  string
		listGroup            sql.NullInt64
		future, sent         sql.NullInt64
		created              int64
		status, policy, crit string
	)
	err := q.QueryRowContext(ctx, `SELECT `+communicationColumns+` FROM communications WHERE id = ?`, id).Scan(
		&c.ID, &c.Name, &c.Subject, &c.Body, &c.FromAddress, &attachments, &status, &policy,
		&listGroup, &segIDs, &crit, &future, &c.ExcludeDuplicateAddresses, &sent, &created,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("communication %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	c.Status = comm.Status(status)
	c.MediumPolicy = comm.MediumPreference(policy)
	c.SegmentCriteria = comm.SegmentCriteria(crit)
	if listGroup.Valid {
		g := listGroup.Int64
		c.ListGroupID = &g
	}
	c.FutureSendAt = fromMS(future)
	c.SentAt = fromMS(sent)
	c.CreatedAt = time.UnixMilli(created)
	if err := json.Unmarshal([]byte(attachments), &c.Attachments); err != nil {
		return nil, fmt.Errorf("communication %d attachments: %w", id, err)
	}
	if err := json.Unmarshal([]byte(segIDs), &c.SegmentIDs); err != nil {
		return nil, fmt.Errorf("communication %d segment ids: %w", id, err)
	}
	return &c, nil
}

func (s *sqliteStore) CreateCommunication(ctx context.Context, c *comm.Communication) (int64, error) {
	attachments, err := json.Marshal(nonNilStrings(c.Attachments))
	if err != nil {
		return 0, err
	}
	segIDs, err := json.Marshal(nonNilInts(c.SegmentIDs))
	if err != nil {
		return 0, err
	}
	created := c.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	var listGroup any
	if c.ListGroupID != nil {
		listGroup = *c.ListGroupID
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO communications(name, subject, body, from_address, attachments, status, medium_policy,
		  list_group_id, segment_ids, segment_criteria, future_send_at, exclude_duplicates, sent_at, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.Name, c.Subject, c.Body, c.FromAddress, string(attachments), string(c.Status), string(c.MediumPolicy),
		listGroup, string(segIDs), string(c.SegmentCriteria), msPtr(c.FutureSendAt), c.ExcludeDuplicateAddresses,
		msPtr(c.SentAt), ms(created),
	)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	c.ID = id
	return id, nil
}

func (s *sqliteStore) SetCommunicationStatus(ctx context.Context, id int64, status comm.Status) error {
	res, err := s.db.ExecContext(ctx, `UPDATE communications SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("communication %d: %w", id, ErrNotFound)
	}
	return nil
}

func (s *sqliteStore) MarkCommunicationSent(ctx context.Context, id int64, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE communications SET sent_at = ? WHERE id = ? AND sent_at IS NULL`, ms(at), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *sqliteStore) ListDueCommunications(ctx context.Context, now time.Time, limit int) ([]int64, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM communications
		 WHERE status = 'approved' AND sent_at IS NULL AND (future_send_at IS NULL OR future_send_at <= ?)
		 ORDER BY id LIMIT ?`, ms(now), limit)
	if err != nil {
		return nil, err
	}
	return scanIDs(rows)
}

func scanIDs(rows *sql.Rows) ([]int64, error) {
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ---- recipients ----

func sqliteScanRecipient(sc interface{ Scan(...any) error }) (*comm.Recipient, error) {
	var (
		r                 comm.Recipient
		medium, status    string
		first             sql.NullInt64
		created, modified int64
	)
	if err := sc.Scan(&r.ID, &r.CommunicationID, &r.PersonAliasID, &r.PersonID, &medium, &status,
		&r.StatusNote, &r.Attempts, &first, &created, &modified, &r.ManuallyAdded, &r.Version); err != nil {
		return nil, err
	}
	r.Medium = comm.Medium(medium)
	r.Status = comm.RecipientStatus(status)
	r.FirstAttemptAt = fromMS(first)
	r.CreatedAt = time.UnixMilli(created)
	r.ModifiedAt = time.UnixMilli(modified)
	return &r, nil
}

func sqliteMaterialize(ctx context.Context, q sqlQuerier, id int64) (*comm.Recipient, error) {
	r, err := sqliteScanRecipient(q.QueryRowContext(ctx,
		`SELECT `+recipientColumns+` FROM `+recipientFrom+` WHERE r.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("recipient %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	people, err := sqliteLoadPeople(ctx, q, `p.id = ?`, r.PersonID)
	if err != nil {
		return nil, err
	}
	r.Person = people[r.PersonID]
	c, err := sqliteGetCommunication(ctx, q, r.CommunicationID)
	if err != nil {
		return nil, err
	}
	r.Communication = c
	return r, nil
}

// sqliteLoadPeople loads people matching where (over alias p) with their phones.
func sqliteLoadPeople(ctx context.Context, q sqlQuerier, where string, args ...any) (map[int64]*comm.Person, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+personColumns+` FROM people p WHERE `+where, args...)
	if err != nil {
		return nil, err
	}
	out := map[int64]*comm.Person{}
	for rows.Next() {
		var (
			p     comm.Person
			pref  string
			attrs string
		)
		if err := rows.Scan(&p.ID, &p.PrimaryAliasID, &p.FirstName, &p.LastName, &p.Email, &p.PushToken, &pref, &attrs); err != nil {
			rows.Close()
			return nil, err
		}
		p.Preference = comm.MediumPreference(pref)
		if attrs != "" && attrs != "{}" {
			if err := json.Unmarshal([]byte(attrs), &p.Attributes); err != nil {
				rows.Close()
				return nil, fmt.Errorf("person %d attributes: %w", p.ID, err)
			}
		}
		out[p.ID] = &p
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	phoneRows, err := q.QueryContext(ctx,
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

func (s *sqliteStore) GetRecipient(ctx context.Context, id int64) (*comm.Recipient, error) {
	return sqliteMaterialize(ctx, s.db, id)
}

func (s *sqliteStore) ListRecipientRefs(ctx context.Context, communicationID int64) ([]comm.RecipientRef, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT r.id, pa.person_id, r.person_alias_id, r.medium, r.status, r.manually_added
		 FROM `+recipientFrom+` WHERE r.communication_id = ? ORDER BY r.id`, communicationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []comm.RecipientRef
	for rows.Next() {
		var (
			ref            comm.RecipientRef
			medium, status string
		)
		if err := rows.Scan(&ref.ID, &ref.PersonID, &ref.PersonAliasID, &medium, &status, &ref.ManuallyAdded); err != nil {
			return nil, err
		}
		ref.Medium = comm.Medium(medium)
		ref.Status = comm.RecipientStatus(status)
		out = append(out, ref)
	}
	return out, rows.Err()
}

func (s *sqliteStore) InsertRecipients(ctx context.Context, rows []comm.NewRecipient) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	now := ms(time.Now())
	var total int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for start := 0; start < len(rows); start += sqliteChunk {
			end := min(start+sqliteChunk, len(rows))
			chunk := rows[start:end]
			values := make([]string, 0, len(chunk))
			args := make([]any, 0, len(chunk)*6)
			for _, nr := range chunk {
				values = append(values, "(?, ?, ?, 'pending', ?, ?, ?)")
				args = append(args, nr.CommunicationID, nr.PersonAliasID, string(nr.Medium), now, now, nr.ManuallyAdded)
			}
			res, err := tx.ExecContext(ctx,
				`INSERT INTO recipients(communication_id, person_alias_id, medium, status, created_at, modified_at, manually_added)
				 VALUES `+strings.Join(values, ", ")+`
				 ON CONFLICT(communication_id, person_alias_id, medium) DO NOTHING`, args...)
			if err != nil {
				return err
			}
			n, _ := res.RowsAffected()
			total += n
		}
		return nil
	})
	return total, err
}

func (s *sqliteStore) DeletePendingRecipients(ctx context.Context, communicationID int64, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	var total int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for start := 0; start < len(ids); start += sqliteChunk {
			end := min(start+sqliteChunk, len(ids))
			chunk := ids[start:end]
			args := make([]any, 0, len(chunk)+1)
			args = append(args, communicationID)
			for _, id := range chunk {
				args = append(args, id)
			}
			res, err := tx.ExecContext(ctx,
				`DELETE FROM recipients WHERE communication_id = ? AND status = 'pending' AND id IN (`+placeholders(len(chunk))+`)`, args...)
			if err != nil {
				return err
			}
			n, _ := res.RowsAffected()
			total += n
		}
		return nil
	})
	return total, err
}

func (s *sqliteStore) DeleteDuplicateAddressRecipients(ctx context.Context, communicationID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, dedupAddressSQL, communicationID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqliteStore) DeleteNonPrimaryAliasRecipients(ctx context.Context, communicationID int64) (int64, error) {
	var total int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, q := range []string{dedupAliasDeleteSQL, dedupAliasRepointSQL} {
			res, err := tx.ExecContext(ctx, q, communicationID)
			if err != nil {
				return err
			}
			n, _ := res.RowsAffected()
			total += n
		}
		return nil
	})
	return total, err
}

// ClaimNext picks the lowest candidate id and claims it with an update that
// re-checks the candidate predicate and the version read. Losing the race
// (another process claimed it first) just moves on to the next candidate.
func (s *sqliteStore) ClaimNext(ctx context.Context, communicationID int64, medium comm.Medium, staleBefore, now time.Time) (*comm.Recipient, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var id, version int64
		err := s.db.QueryRowContext(ctx,
			`SELECT id, version FROM recipients WHERE `+claimCandidate+` ORDER BY id LIMIT 1`,
			communicationID, string(medium), ms(staleBefore)).Scan(&id, &version)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		res, err := s.db.ExecContext(ctx,
			`UPDATE recipients
			 SET status = 'sending', modified_at = ?, first_attempt_at = COALESCE(first_attempt_at, ?),
			     attempts = attempts + 1, version = version + 1
			 WHERE id = ? AND version = ? AND `+claimCandidate,
			ms(now), ms(now), id, version, communicationID, string(medium), ms(staleBefore))
		if err != nil {
			return nil, err
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return sqliteMaterialize(ctx, s.db, id)
		}
		s.log.Trace("claim lost, retrying", logx.Int64("recipient", id))
	}
}

func (s *sqliteStore) CompleteRecipient(ctx context.Context, c Completion) (bool, error) {
	res, err := s.db.ExecContext(ctx, completeSQL, string(c.Status), nullStr(c.Note), ms(c.At), c.RecipientID, c.Version)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *sqliteStore) ReapStaleLeases(ctx context.Context, p ReapParams) (ReapResult, error) {
	var out ReapResult
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, reapFailSQL, p.Note, ms(p.Now), p.CommunicationID, ms(p.HardCutoff))
		if err != nil {
			return err
		}
		out.Failed, _ = res.RowsAffected()
		res, err = tx.ExecContext(ctx, reapRevertSQL, ms(p.Now), p.CommunicationID, ms(p.StaleBefore), ms(p.HardCutoff))
		if err != nil {
			return err
		}
		out.Reverted, _ = res.RowsAffected()
		return nil
	})
	return out, err
}

func (s *sqliteStore) HasPendingRecipients(ctx context.Context, communicationID int64) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM recipients WHERE communication_id = ? AND status = 'pending' LIMIT 1`, communicationID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *sqliteStore) UnresolvedCount(ctx context.Context, communicationID int64) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM recipients WHERE communication_id = ? AND status IN ('pending', 'sending')`,
		communicationID).Scan(&n)
	return n, err
}

func (s *sqliteStore) RecipientCounts(ctx context.Context, communicationID int64) (map[comm.RecipientStatus]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM recipients WHERE communication_id = ? GROUP BY status`, communicationID)
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

func (s *sqliteStore) RecipientMediums(ctx context.Context, communicationID int64) ([]comm.Medium, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT medium FROM recipients WHERE communication_id = ? AND status IN ('pending', 'sending')`,
		communicationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	set := map[comm.Medium]bool{}
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, err
		}
		set[comm.Medium(m)] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return orderedMediums(set), nil
}

// ---- directory ----

func (s *sqliteStore) GroupMembers(ctx context.Context, groupID int64) ([]comm.Member, error) {
	people, err := sqliteLoadPeople(ctx, s.db,
		`p.id IN (SELECT person_id FROM group_members WHERE group_id = ?)`, groupID)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT person_id, joined_at, preference FROM group_members WHERE group_id = ? ORDER BY person_id`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []comm.Member
	for rows.Next() {
		var (
			pid    int64
			joined sql.NullInt64
			pref   string
		)
		if err := rows.Scan(&pid, &joined, &pref); err != nil {
			return nil, err
		}
		p := people[pid]
		if p == nil {
			continue
		}
		out = append(out, comm.Member{GroupID: groupID, Person: p, JoinedAt: fromMS(joined), Preference: comm.MediumPreference(pref)})
	}
	return out, rows.Err()
}

func (s *sqliteStore) Segments(ctx context.Context, ids []int64) ([]comm.Segment, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, expression FROM segments WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	byID := map[int64]comm.Segment{}
	for rows.Next() {
		var seg comm.Segment
		if err := rows.Scan(&seg.ID, &seg.Name, &seg.Expression); err != nil {
			return nil, err
		}
		byID[seg.ID] = seg
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return segmentsInOrder(ids, byID)
}

func (s *sqliteStore) CreatePerson(ctx context.Context, p *comm.Person, withAlias bool) error {
	attrs, err := json.Marshal(nonNilAttrs(p.Attributes))
	if err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO people(first_name, last_name, email, push_token, preference, attributes) VALUES(?,?,?,?,?,?)`,
			p.FirstName, p.LastName, p.Email, p.PushToken, string(p.Preference), string(attrs))
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		for i, ph := range p.Phones {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO phones(person_id, sort_order, number, sms_enabled) VALUES(?,?,?,?)`,
				id, i, ph.Number, ph.SMSEnabled); err != nil {
				return err
			}
		}
		var alias int64
		if withAlias {
			res, err := tx.ExecContext(ctx, `INSERT INTO person_aliases(person_id) VALUES(?)`, id)
			if err != nil {
				return err
			}
			if alias, err = res.LastInsertId(); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `UPDATE people SET primary_alias_id = ? WHERE id = ?`, alias, id); err != nil {
				return err
			}
		}
		p.ID = id
		p.PrimaryAliasID = alias
		return nil
	})
}

func (s *sqliteStore) AddPersonAlias(ctx context.Context, personID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO person_aliases(person_id) SELECT id FROM people WHERE id = ?`, personID)
	if err != nil {
		return 0, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, fmt.Errorf("person %d: %w", personID, ErrNotFound)
	}
	return res.LastInsertId()
}

func (s *sqliteStore) AddGroupMember(ctx context.Context, groupID, personID int64, joinedAt *time.Time, pref comm.MediumPreference) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO group_members(group_id, person_id, joined_at, preference) VALUES(?,?,?,?)
		 ON CONFLICT(group_id, person_id) DO UPDATE SET joined_at = excluded.joined_at, preference = excluded.preference`,
		groupID, personID, msPtr(joinedAt), string(pref))
	return err
}

func (s *sqliteStore) RemoveGroupMember(ctx context.Context, groupID, personID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM group_members WHERE group_id = ? AND person_id = ?`, groupID, personID)
	return err
}

func (s *sqliteStore) CreateSegment(ctx context.Context, seg *comm.Segment) (int64, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO segments(name, expression) VALUES(?,?)`, seg.Name, seg.Expression)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	seg.ID = id
	return id, nil
}
