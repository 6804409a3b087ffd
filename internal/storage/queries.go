package storage

import (
	"strconv"
	"strings"
)

// SQL shared by the sqlite and postgres drivers. Written with '?' placeholders;
// postgres rebinds them to $n. Boolean columns are tested bare so the same text
// works against sqlite integers and postgres booleans.

// Candidate predicate for a claim: pending, or sending with an expired lease.
// Args: communication_id, medium, stale_before.
const claimCandidate = `communication_id = ? AND medium = ?
  AND (status = 'pending' OR (status = 'sending' AND modified_at < ?))`

// Dedup ranks rows that already left pending first, so a duplicate set keeps
// its in-flight or finished row, and only ever deletes pending rows. The outer
// status test is rechecked against rows a concurrent claim just updated.

// Args: communication_id.
const dedupAddressSQL = `
WITH sms AS (
  SELECT person_id, number FROM (
    SELECT person_id, trim(number) AS number,
           row_number() OVER (PARTITION BY person_id ORDER BY sort_order, id) AS rn
    FROM phones
    WHERE sms_enabled AND trim(number) <> ''
  ) first_phone WHERE rn = 1
),
addressed AS (
  SELECT r.id, r.medium, r.status,
         CASE r.medium
           WHEN 'email' THEN lower(trim(p.email))
           WHEN 'sms' THEN sms.number
         END AS address
  FROM recipients r
  JOIN person_aliases pa ON pa.id = r.person_alias_id
  JOIN people p ON p.id = pa.person_id
  LEFT JOIN sms ON sms.person_id = p.id
  WHERE r.communication_id = ? AND r.medium IN ('email', 'sms')
),
ranked AS (
  SELECT id, status,
         row_number() OVER (
           PARTITION BY medium, address
           ORDER BY CASE WHEN status = 'pending' THEN 1 ELSE 0 END, id
         ) AS rn
  FROM addressed
  WHERE address IS NOT NULL AND address <> ''
)
DELETE FROM recipients
WHERE status = 'pending' AND id IN (SELECT id FROM ranked WHERE rn > 1 AND status = 'pending')`

// Args: communication_id.
const dedupAliasDeleteSQL = `
WITH ranked AS (
  SELECT r.id, r.status,
         row_number() OVER (
           PARTITION BY pa.person_id, r.medium
           ORDER BY CASE WHEN r.status = 'pending' THEN 1 ELSE 0 END,
                    CASE WHEN r.person_alias_id = p.primary_alias_id THEN 0 ELSE 1 END,
                    r.id
         ) AS rn
  FROM recipients r
  JOIN person_aliases pa ON pa.id = r.person_alias_id
  JOIN people p ON p.id = pa.person_id
  WHERE r.communication_id = ?
)
DELETE FROM recipients
WHERE status = 'pending' AND id IN (SELECT id FROM ranked WHERE rn > 1 AND status = 'pending')`

// Only a person's sole row for a medium is repointed, which keeps
// (communication_id, person_alias_id, medium) unique.
// Args: communication_id.
const dedupAliasRepointSQL = `
UPDATE recipients
SET person_alias_id = (
  SELECT p.primary_alias_id
  FROM person_aliases pa JOIN people p ON p.id = pa.person_id
  WHERE pa.id = recipients.person_alias_id
)
WHERE communication_id = ?
  AND person_alias_id IN (
    SELECT pa.id
    FROM person_aliases pa JOIN people p ON p.id = pa.person_id
    WHERE p.primary_alias_id IS NOT NULL AND pa.id <> p.primary_alias_id
  )
  AND NOT EXISTS (
    SELECT 1
    FROM recipients other
    JOIN person_aliases opa ON opa.id = other.person_alias_id
    WHERE other.communication_id = recipients.communication_id
      AND other.medium = recipients.medium
      AND other.id <> recipients.id
      AND opa.person_id = (SELECT person_id FROM person_aliases WHERE id = recipients.person_alias_id)
  )`

// Args: note, now, communication_id, hard_cutoff.
const reapFailSQL = `
UPDATE recipients
SET status = 'failed', status_note = ?, modified_at = ?, version = version + 1
WHERE communication_id = ?
  AND status IN ('pending', 'sending')
  AND first_attempt_at IS NOT NULL
  AND first_attempt_at < ?`

// Args: now, communication_id, stale_before, hard_cutoff.
const reapRevertSQL = `
UPDATE recipients
SET status = 'pending', modified_at = ?, version = version + 1
WHERE communication_id = ?
  AND status = 'sending'
  AND modified_at < ?
  AND (first_attempt_at IS NULL OR first_attempt_at >= ?)`

// Args: status, note, modified_at, id, version.
const completeSQL = `
UPDATE recipients
SET status = ?, status_note = ?, modified_at = ?
WHERE id = ? AND status = 'sending' AND version = ?`

const recipientColumns = `r.id, r.communication_id, r.person_alias_id, pa.person_id, r.medium, r.status,
  COALESCE(r.status_note, ''), r.attempts, r.first_attempt_at, r.created_at, r.modified_at,
  r.manually_added, r.version`

const recipientFrom = `recipients r JOIN person_aliases pa ON pa.id = r.person_alias_id`

const personColumns = `p.id, COALESCE(p.primary_alias_id, 0), p.first_name, p.last_name, p.email,
  p.push_token, p.preference, p.attributes`

const communicationColumns = `id, name, subject, body, from_address, attachments, status, medium_policy,
  list_group_id, segment_ids, segment_criteria, future_send_at, exclude_duplicates, sent_at, created_at`

// rebind rewrites '?' placeholders to postgres $n form.
func rebind(q string) string {
	var b strings.Builder
	b.Grow(len(q) + 16)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

// placeholders returns "?, ?, ?" for n values.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
