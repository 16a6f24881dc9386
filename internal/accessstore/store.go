// Package accessstore mirrors organization membership into Postgres so
// QueryEngine's access filter can answer "is this caller an admin or
// auto-enrolled member of this organization" with a single indexed
// lookup instead of re-walking the search index on every request.
package accessstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/withobsrvr/oip-index-node/internal/oip"
)

const schema = `
CREATE TABLE IF NOT EXISTS organizations (
	org_did           TEXT PRIMARY KEY,
	org_handle        TEXT NOT NULL,
	org_public_key    TEXT NOT NULL,
	membership_policy TEXT NOT NULL,
	web_url           TEXT
);

CREATE TABLE IF NOT EXISTS organization_admins (
	org_did  TEXT NOT NULL REFERENCES organizations(org_did) ON DELETE CASCADE,
	pub_key  TEXT NOT NULL,
	PRIMARY KEY (org_did, pub_key)
);

CREATE TABLE IF NOT EXISTS organization_domains (
	org_did TEXT NOT NULL REFERENCES organizations(org_did) ON DELETE CASCADE,
	domain  TEXT NOT NULL,
	PRIMARY KEY (org_did, domain)
);
`

// Store is a Postgres-backed mirror of organization records, keyed by
// the record's did.
type Store struct {
	db  *sql.DB
	log *zap.Logger
}

// Open connects to dsn and ensures the mirror tables exist.
func Open(dsn string, log *zap.Logger) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("accessstore: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("accessstore: ping: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("accessstore: migrate: %w", err)
	}
	return &Store{db: db, log: log}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertOrganization mirrors an organization record's current state,
// replacing its admin and domain sets wholesale. Called by the Indexer
// whenever it commits a record with RecordType == "organization".
func (s *Store) UpsertOrganization(ctx context.Context, orgDid string, org oip.Organization, domains []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("accessstore: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO organizations (org_did, org_handle, org_public_key, membership_policy, web_url)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (org_did) DO UPDATE SET
			org_handle = EXCLUDED.org_handle,
			org_public_key = EXCLUDED.org_public_key,
			membership_policy = EXCLUDED.membership_policy,
			web_url = EXCLUDED.web_url
	`, orgDid, org.OrgHandle, org.OrgPublicKey, string(org.MembershipPolicy), org.WebUrl); err != nil {
		return fmt.Errorf("accessstore: upsert organization: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM organization_admins WHERE org_did = $1`, orgDid); err != nil {
		return fmt.Errorf("accessstore: clear admins: %w", err)
	}
	for _, pubKey := range org.AdminPubKeys {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO organization_admins (org_did, pub_key) VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, orgDid, pubKey); err != nil {
			return fmt.Errorf("accessstore: insert admin: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM organization_domains WHERE org_did = $1`, orgDid); err != nil {
		return fmt.Errorf("accessstore: clear domains: %w", err)
	}
	for _, domain := range domains {
		domain = strings.ToLower(strings.TrimSpace(domain))
		if domain == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO organization_domains (org_did, domain) VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, orgDid, domain); err != nil {
			return fmt.Errorf("accessstore: insert domain: %w", err)
		}
	}

	return tx.Commit()
}

// IsAdmin reports whether pubKey is listed as an admin of orgDid. This
// is the OrgAdmin callback QueryEngine's access filter calls for
// organization-scoped records.
func (s *Store) IsAdmin(ctx context.Context, orgDid, pubKey string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM organization_admins WHERE org_did = $1 AND pub_key = $2)
	`, orgDid, pubKey).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("accessstore: is admin: %w", err)
	}
	return exists, nil
}

// AutoEnrollMatches reports whether callerDomain matches one of
// orgDid's registered auto-enroll domains, for organizations whose
// MembershipPolicy is AutoEnrollByDomain. Per spec.md's Open Question
// decision, this is the only membership policy the access filter
// actually enforces; the others round-trip through UpsertOrganization
// but are never consulted here.
func (s *Store) AutoEnrollMatches(ctx context.Context, orgDid, callerDomain string) (bool, error) {
	if callerDomain == "" {
		return false, nil
	}
	callerDomain = strings.ToLower(strings.TrimSpace(callerDomain))

	var policy string
	if err := s.db.QueryRowContext(ctx, `SELECT membership_policy FROM organizations WHERE org_did = $1`, orgDid).Scan(&policy); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("accessstore: load policy: %w", err)
	}
	if policy != string(oip.AutoEnrollByDomain) {
		return false, nil
	}

	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM organization_domains WHERE org_did = $1 AND domain = $2)
	`, orgDid, callerDomain).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("accessstore: domain lookup: %w", err)
	}
	return exists, nil
}
