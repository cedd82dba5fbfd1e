// Package postgres implements the storage contracts on PostgreSQL via sqlx.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/FamShield/safety_layer/internal/app/domain/access"
	"github.com/FamShield/safety_layer/internal/app/domain/audit"
	"github.com/FamShield/safety_layer/internal/app/domain/family"
	"github.com/FamShield/safety_layer/internal/app/domain/proposal"
	"github.com/FamShield/safety_layer/internal/app/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS families (
    id         TEXT PRIMARY KEY,
    name       TEXT NOT NULL,
    guardians  TEXT[] NOT NULL DEFAULT '{}',
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS children (
    id         TEXT PRIMARY KEY,
    family_id  TEXT NOT NULL REFERENCES families(id),
    name       TEXT NOT NULL,
    settings   JSONB NOT NULL DEFAULT '{}',
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_children_family ON children(family_id);

CREATE TABLE IF NOT EXISTS removal_requests (
    id           TEXT PRIMARY KEY,
    family_id    TEXT NOT NULL REFERENCES families(id),
    guardian_id  TEXT NOT NULL,
    requested_by TEXT NOT NULL,
    status       TEXT NOT NULL,
    created_at   TIMESTAMPTZ NOT NULL,
    expires_at   TIMESTAMPTZ NOT NULL,
    responded_by TEXT NOT NULL DEFAULT '',
    responded_at TIMESTAMPTZ,
    version      BIGINT NOT NULL DEFAULT 1,
    updated_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_removals_family ON removal_requests(family_id);
CREATE INDEX IF NOT EXISTS idx_removals_pending ON removal_requests(status, expires_at);

CREATE TABLE IF NOT EXISTS proposals (
    id              TEXT PRIMARY KEY,
    family_id       TEXT NOT NULL REFERENCES families(id),
    subject_id      TEXT NOT NULL,
    proposed_by     TEXT NOT NULL,
    setting_kind    TEXT NOT NULL,
    current_value   TEXT NOT NULL,
    proposed_value  TEXT NOT NULL,
    status          TEXT NOT NULL,
    created_at      TIMESTAMPTZ NOT NULL,
    expires_at      TIMESTAMPTZ NOT NULL,
    responded_by    TEXT NOT NULL DEFAULT '',
    responded_at    TIMESTAMPTZ,
    message         TEXT NOT NULL DEFAULT '',
    applied_at      TIMESTAMPTZ,
    cooling         JSONB,
    cooling_ends_at TIMESTAMPTZ,
    dispute         JSONB,
    version         BIGINT NOT NULL DEFAULT 1,
    updated_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_proposals_family ON proposals(family_id);
CREATE INDEX IF NOT EXISTS idx_proposals_subject_kind ON proposals(subject_id, setting_kind);
CREATE INDEX IF NOT EXISTS idx_proposals_due ON proposals(status, cooling_ends_at);
CREATE INDEX IF NOT EXISTS idx_proposals_expiry ON proposals(status, expires_at);

CREATE TABLE IF NOT EXISTS grants (
    id           TEXT PRIMARY KEY,
    family_id    TEXT NOT NULL REFERENCES families(id),
    child_id     TEXT NOT NULL,
    caregiver_id TEXT NOT NULL,
    granted_by   TEXT NOT NULL,
    scopes       TEXT[] NOT NULL DEFAULT '{}',
    status       TEXT NOT NULL,
    starts_at    TIMESTAMPTZ NOT NULL,
    ends_at      TIMESTAMPTZ NOT NULL,
    revoked_by   TEXT NOT NULL DEFAULT '',
    revoked_at   TIMESTAMPTZ,
    created_at   TIMESTAMPTZ NOT NULL,
    updated_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_grants_child ON grants(child_id);
CREATE INDEX IF NOT EXISTS idx_grants_lapse ON grants(status, ends_at);

CREATE TABLE IF NOT EXISTS audit_entries (
    id          TEXT PRIMARY KEY,
    family_id   TEXT NOT NULL,
    actor       TEXT NOT NULL,
    action      TEXT NOT NULL,
    proposal_id TEXT NOT NULL DEFAULT '',
    subject_id  TEXT NOT NULL DEFAULT '',
    detail      TEXT NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_family ON audit_entries(family_id, created_at DESC);
`

// Store implements every storage contract on one sqlx connection pool.
type Store struct {
	db *sqlx.DB
}

var (
	_ storage.FamilyStore   = (*Store)(nil)
	_ storage.ChildStore    = (*Store)(nil)
	_ storage.ProposalStore = (*Store)(nil)
	_ storage.GrantStore    = (*Store)(nil)
	_ storage.AuditStore    = (*Store)(nil)
)

// New wraps an existing connection pool.
func New(db *sqlx.DB) *Store { return &Store{db: db} }

// Open connects to the database at dsn and verifies the connection.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &Store{db: db}, nil
}

// EnsureSchema creates missing tables and indexes.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// Families ---------------------------------------------------------------

type familyRow struct {
	ID        string         `db:"id"`
	Name      string         `db:"name"`
	Guardians pq.StringArray `db:"guardians"`
	CreatedAt time.Time      `db:"created_at"`
	UpdatedAt time.Time      `db:"updated_at"`
}

func (r familyRow) toDomain() family.Family {
	return family.Family{
		ID:        r.ID,
		Name:      r.Name,
		Guardians: []string(r.Guardians),
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

func (s *Store) CreateFamily(ctx context.Context, fam family.Family) (family.Family, error) {
	if fam.ID == "" {
		fam.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if fam.CreatedAt.IsZero() {
		fam.CreatedAt = now
	}
	fam.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO families (id, name, guardians, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		fam.ID, fam.Name, pq.Array(fam.Guardians), fam.CreatedAt, fam.UpdatedAt)
	if err != nil {
		return family.Family{}, mapPQError(err)
	}
	return fam, nil
}

func (s *Store) UpdateFamily(ctx context.Context, fam family.Family) (family.Family, error) {
	fam.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE families SET name = $2, guardians = $3, updated_at = $4 WHERE id = $1`,
		fam.ID, fam.Name, pq.Array(fam.Guardians), fam.UpdatedAt)
	if err != nil {
		return family.Family{}, err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return family.Family{}, storage.ErrNotFound
	}
	return fam, nil
}

func (s *Store) GetFamily(ctx context.Context, id string) (family.Family, error) {
	var row familyRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM families WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return family.Family{}, storage.ErrNotFound
	}
	if err != nil {
		return family.Family{}, err
	}
	return row.toDomain(), nil
}

// Removal requests -------------------------------------------------------

type removalRow struct {
	ID          string     `db:"id"`
	FamilyID    string     `db:"family_id"`
	GuardianID  string     `db:"guardian_id"`
	RequestedBy string     `db:"requested_by"`
	Status      string     `db:"status"`
	CreatedAt   time.Time  `db:"created_at"`
	ExpiresAt   time.Time  `db:"expires_at"`
	RespondedBy string     `db:"responded_by"`
	RespondedAt *time.Time `db:"responded_at"`
	Version     int64      `db:"version"`
	UpdatedAt   time.Time  `db:"updated_at"`
}

func (r removalRow) toDomain() family.RemovalRequest {
	return family.RemovalRequest{
		ID:          r.ID,
		FamilyID:    r.FamilyID,
		GuardianID:  r.GuardianID,
		RequestedBy: r.RequestedBy,
		Status:      family.RemovalRequestStatus(r.Status),
		CreatedAt:   r.CreatedAt,
		ExpiresAt:   r.ExpiresAt,
		RespondedBy: r.RespondedBy,
		RespondedAt: r.RespondedAt,
		Version:     r.Version,
		UpdatedAt:   r.UpdatedAt,
	}
}

func (s *Store) CreateRemovalRequest(ctx context.Context, req family.RemovalRequest) (family.RemovalRequest, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if req.CreatedAt.IsZero() {
		req.CreatedAt = now
	}
	req.Version = 1
	req.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO removal_requests
		   (id, family_id, guardian_id, requested_by, status, created_at, expires_at,
		    responded_by, responded_at, version, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		req.ID, req.FamilyID, req.GuardianID, req.RequestedBy, string(req.Status),
		req.CreatedAt, req.ExpiresAt, req.RespondedBy, req.RespondedAt, req.Version, req.UpdatedAt)
	if err != nil {
		return family.RemovalRequest{}, mapPQError(err)
	}
	return req, nil
}

func (s *Store) GetRemovalRequest(ctx context.Context, id string) (family.RemovalRequest, error) {
	var row removalRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM removal_requests WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return family.RemovalRequest{}, storage.ErrNotFound
	}
	if err != nil {
		return family.RemovalRequest{}, err
	}
	return row.toDomain(), nil
}

func (s *Store) UpdateRemovalRequest(ctx context.Context, req family.RemovalRequest, expectedVersion int64) (family.RemovalRequest, error) {
	req.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE removal_requests
		 SET status = $3, responded_by = $4, responded_at = $5,
		     version = version + 1, updated_at = $6
		 WHERE id = $1 AND version = $2`,
		req.ID, expectedVersion, string(req.Status), req.RespondedBy, req.RespondedAt, req.UpdatedAt)
	if err != nil {
		return family.RemovalRequest{}, err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		if _, err := s.GetRemovalRequest(ctx, req.ID); errors.Is(err, storage.ErrNotFound) {
			return family.RemovalRequest{}, storage.ErrNotFound
		}
		return family.RemovalRequest{}, storage.ErrVersionConflict
	}
	req.Version = expectedVersion + 1
	return req, nil
}

func (s *Store) ListRemovalRequests(ctx context.Context, familyID string) ([]family.RemovalRequest, error) {
	var rows []removalRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM removal_requests WHERE family_id = $1 ORDER BY created_at DESC`, familyID)
	if err != nil {
		return nil, err
	}
	return removalRows(rows), nil
}

func (s *Store) ListExpiredPendingRemovals(ctx context.Context, now time.Time) ([]family.RemovalRequest, error) {
	var rows []removalRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM removal_requests WHERE status = $1 AND expires_at <= $2`,
		string(family.RemovalPending), now)
	if err != nil {
		return nil, err
	}
	return removalRows(rows), nil
}

func removalRows(rows []removalRow) []family.RemovalRequest {
	out := make([]family.RemovalRequest, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out
}

// Children ---------------------------------------------------------------

type childRow struct {
	ID        string          `db:"id"`
	FamilyID  string          `db:"family_id"`
	Name      string          `db:"name"`
	Settings  json.RawMessage `db:"settings"`
	CreatedAt time.Time       `db:"created_at"`
	UpdatedAt time.Time       `db:"updated_at"`
}

func (r childRow) toDomain() (family.Child, error) {
	settings := make(map[string]string)
	if len(r.Settings) > 0 {
		if err := json.Unmarshal(r.Settings, &settings); err != nil {
			return family.Child{}, fmt.Errorf("decode child settings: %w", err)
		}
	}
	return family.Child{
		ID:        r.ID,
		FamilyID:  r.FamilyID,
		Name:      r.Name,
		Settings:  settings,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}, nil
}

func (s *Store) CreateChild(ctx context.Context, child family.Child) (family.Child, error) {
	if child.ID == "" {
		child.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if child.CreatedAt.IsZero() {
		child.CreatedAt = now
	}
	child.UpdatedAt = now
	if child.Settings == nil {
		child.Settings = make(map[string]string)
	}
	settings, err := json.Marshal(child.Settings)
	if err != nil {
		return family.Child{}, fmt.Errorf("encode child settings: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO children (id, family_id, name, settings, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		child.ID, child.FamilyID, child.Name, settings, child.CreatedAt, child.UpdatedAt)
	if err != nil {
		return family.Child{}, mapPQError(err)
	}
	return child, nil
}

func (s *Store) GetChild(ctx context.Context, id string) (family.Child, error) {
	var row childRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM children WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return family.Child{}, storage.ErrNotFound
	}
	if err != nil {
		return family.Child{}, err
	}
	return row.toDomain()
}

func (s *Store) ListChildren(ctx context.Context, familyID string) ([]family.Child, error) {
	var rows []childRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM children WHERE family_id = $1 ORDER BY created_at`, familyID)
	if err != nil {
		return nil, err
	}
	out := make([]family.Child, 0, len(rows))
	for _, r := range rows {
		child, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, child)
	}
	return out, nil
}

func (s *Store) UpdateChildSetting(ctx context.Context, childID string, kind proposal.SettingKind, value string) (family.Child, error) {
	var row childRow
	err := s.db.GetContext(ctx, &row,
		`UPDATE children
		 SET settings = settings || jsonb_build_object($2::text, $3::text),
		     updated_at = $4
		 WHERE id = $1
		 RETURNING *`,
		childID, string(kind), value, time.Now().UTC())
	if errors.Is(err, sql.ErrNoRows) {
		return family.Child{}, storage.ErrNotFound
	}
	if err != nil {
		return family.Child{}, err
	}
	return row.toDomain()
}

// Proposals --------------------------------------------------------------

type proposalRow struct {
	ID            string          `db:"id"`
	FamilyID      string          `db:"family_id"`
	SubjectID     string          `db:"subject_id"`
	ProposedBy    string          `db:"proposed_by"`
	SettingKind   string          `db:"setting_kind"`
	CurrentValue  string          `db:"current_value"`
	ProposedValue string          `db:"proposed_value"`
	Status        string          `db:"status"`
	CreatedAt     time.Time       `db:"created_at"`
	ExpiresAt     time.Time       `db:"expires_at"`
	RespondedBy   string          `db:"responded_by"`
	RespondedAt   *time.Time      `db:"responded_at"`
	Message       string          `db:"message"`
	AppliedAt     *time.Time      `db:"applied_at"`
	Cooling       json.RawMessage `db:"cooling"`
	CoolingEndsAt *time.Time      `db:"cooling_ends_at"`
	Dispute       json.RawMessage `db:"dispute"`
	Version       int64           `db:"version"`
	UpdatedAt     time.Time       `db:"updated_at"`
}

func (r proposalRow) toDomain() (proposal.Proposal, error) {
	p := proposal.Proposal{
		ID:            r.ID,
		FamilyID:      r.FamilyID,
		SubjectID:     r.SubjectID,
		ProposedBy:    r.ProposedBy,
		SettingKind:   proposal.SettingKind(r.SettingKind),
		CurrentValue:  r.CurrentValue,
		ProposedValue: r.ProposedValue,
		Status:        proposal.Status(r.Status),
		CreatedAt:     r.CreatedAt,
		ExpiresAt:     r.ExpiresAt,
		RespondedBy:   r.RespondedBy,
		RespondedAt:   r.RespondedAt,
		Message:       r.Message,
		AppliedAt:     r.AppliedAt,
		Version:       r.Version,
		UpdatedAt:     r.UpdatedAt,
	}
	if len(r.Cooling) > 0 {
		var cooling proposal.CoolingPeriod
		if err := json.Unmarshal(r.Cooling, &cooling); err != nil {
			return proposal.Proposal{}, fmt.Errorf("decode cooling period: %w", err)
		}
		p.Cooling = &cooling
	}
	if len(r.Dispute) > 0 {
		var dispute proposal.Dispute
		if err := json.Unmarshal(r.Dispute, &dispute); err != nil {
			return proposal.Proposal{}, fmt.Errorf("decode dispute: %w", err)
		}
		p.Dispute = &dispute
	}
	return p, nil
}

func encodeProposalDocs(p proposal.Proposal) (cooling, dispute []byte, endsAt *time.Time, err error) {
	if p.Cooling != nil {
		cooling, err = json.Marshal(p.Cooling)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("encode cooling period: %w", err)
		}
		ends := p.Cooling.EndsAt
		endsAt = &ends
	}
	if p.Dispute != nil {
		dispute, err = json.Marshal(p.Dispute)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("encode dispute: %w", err)
		}
	}
	return cooling, dispute, endsAt, nil
}

func (s *Store) CreateProposal(ctx context.Context, p proposal.Proposal) (proposal.Proposal, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.Version = 1
	p.UpdatedAt = now
	cooling, dispute, endsAt, err := encodeProposalDocs(p)
	if err != nil {
		return proposal.Proposal{}, err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO proposals
		   (id, family_id, subject_id, proposed_by, setting_kind, current_value,
		    proposed_value, status, created_at, expires_at, responded_by,
		    responded_at, message, applied_at, cooling, cooling_ends_at, dispute,
		    version, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		p.ID, p.FamilyID, p.SubjectID, p.ProposedBy, string(p.SettingKind),
		p.CurrentValue, p.ProposedValue, string(p.Status), p.CreatedAt, p.ExpiresAt,
		p.RespondedBy, p.RespondedAt, p.Message, p.AppliedAt,
		nullableJSON(cooling), endsAt, nullableJSON(dispute), p.Version, p.UpdatedAt)
	if err != nil {
		return proposal.Proposal{}, mapPQError(err)
	}
	return p, nil
}

func (s *Store) GetProposal(ctx context.Context, id string) (proposal.Proposal, error) {
	var row proposalRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM proposals WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return proposal.Proposal{}, storage.ErrNotFound
	}
	if err != nil {
		return proposal.Proposal{}, err
	}
	return row.toDomain()
}

func (s *Store) UpdateProposal(ctx context.Context, p proposal.Proposal, expectedVersion int64) (proposal.Proposal, error) {
	p.UpdatedAt = time.Now().UTC()
	cooling, dispute, endsAt, err := encodeProposalDocs(p)
	if err != nil {
		return proposal.Proposal{}, err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE proposals
		 SET status = $3, expires_at = $4, responded_by = $5, responded_at = $6,
		     message = $7, applied_at = $8, cooling = $9, cooling_ends_at = $10,
		     dispute = $11, version = version + 1, updated_at = $12
		 WHERE id = $1 AND version = $2`,
		p.ID, expectedVersion, string(p.Status), p.ExpiresAt, p.RespondedBy,
		p.RespondedAt, p.Message, p.AppliedAt, nullableJSON(cooling), endsAt,
		nullableJSON(dispute), p.UpdatedAt)
	if err != nil {
		return proposal.Proposal{}, err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		if _, err := s.GetProposal(ctx, p.ID); errors.Is(err, storage.ErrNotFound) {
			return proposal.Proposal{}, storage.ErrNotFound
		}
		return proposal.Proposal{}, storage.ErrVersionConflict
	}
	p.Version = expectedVersion + 1
	return p, nil
}

func (s *Store) ListProposals(ctx context.Context, familyID string) ([]proposal.Proposal, error) {
	return s.selectProposals(ctx,
		`SELECT * FROM proposals WHERE family_id = $1 ORDER BY created_at DESC`, familyID)
}

func (s *Store) ListOpenProposals(ctx context.Context, subjectID string, kind proposal.SettingKind) ([]proposal.Proposal, error) {
	return s.selectProposals(ctx,
		`SELECT * FROM proposals
		 WHERE subject_id = $1 AND setting_kind = $2
		   AND status IN ($3, $4, $5)`,
		subjectID, string(kind),
		string(proposal.StatusPending), string(proposal.StatusAutoApplied),
		string(proposal.StatusCoolingInProgress))
}

func (s *Store) ListDueCooling(ctx context.Context, now time.Time) ([]proposal.Proposal, error) {
	return s.selectProposals(ctx,
		`SELECT * FROM proposals
		 WHERE status = $1 AND cooling_ends_at IS NOT NULL AND cooling_ends_at <= $2`,
		string(proposal.StatusCoolingInProgress), now)
}

func (s *Store) ListExpiredPending(ctx context.Context, now time.Time) ([]proposal.Proposal, error) {
	return s.selectProposals(ctx,
		`SELECT * FROM proposals WHERE status = $1 AND expires_at <= $2`,
		string(proposal.StatusPending), now)
}

func (s *Store) ListRecentDeclines(ctx context.Context, subjectID string, kind proposal.SettingKind, cutoff time.Time) ([]proposal.Proposal, error) {
	return s.selectProposals(ctx,
		`SELECT * FROM proposals
		 WHERE subject_id = $1 AND setting_kind = $2 AND status = $3
		   AND responded_at IS NOT NULL AND responded_at > $4`,
		subjectID, string(kind), string(proposal.StatusDeclined), cutoff)
}

func (s *Store) selectProposals(ctx context.Context, query string, args ...interface{}) ([]proposal.Proposal, error) {
	var rows []proposalRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]proposal.Proposal, 0, len(rows))
	for _, r := range rows {
		p, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// Grants -----------------------------------------------------------------

type grantRow struct {
	ID        string         `db:"id"`
	FamilyID  string         `db:"family_id"`
	ChildID   string         `db:"child_id"`
	Caregiver string         `db:"caregiver_id"`
	GrantedBy string         `db:"granted_by"`
	Scopes    pq.StringArray `db:"scopes"`
	Status    string         `db:"status"`
	StartsAt  time.Time      `db:"starts_at"`
	EndsAt    time.Time      `db:"ends_at"`
	RevokedBy string         `db:"revoked_by"`
	RevokedAt *time.Time     `db:"revoked_at"`
	CreatedAt time.Time      `db:"created_at"`
	UpdatedAt time.Time      `db:"updated_at"`
}

func (r grantRow) toDomain() access.Grant {
	scopes := make([]access.Scope, 0, len(r.Scopes))
	for _, s := range r.Scopes {
		scopes = append(scopes, access.Scope(s))
	}
	return access.Grant{
		ID:        r.ID,
		FamilyID:  r.FamilyID,
		ChildID:   r.ChildID,
		Caregiver: r.Caregiver,
		GrantedBy: r.GrantedBy,
		Scopes:    scopes,
		Status:    access.GrantStatus(r.Status),
		StartsAt:  r.StartsAt,
		EndsAt:    r.EndsAt,
		RevokedBy: r.RevokedBy,
		RevokedAt: r.RevokedAt,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

func scopeStrings(scopes []access.Scope) []string {
	out := make([]string, 0, len(scopes))
	for _, s := range scopes {
		out = append(out, string(s))
	}
	return out
}

func (s *Store) CreateGrant(ctx context.Context, g access.Grant) (access.Grant, error) {
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if g.CreatedAt.IsZero() {
		g.CreatedAt = now
	}
	g.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO grants
		   (id, family_id, child_id, caregiver_id, granted_by, scopes, status,
		    starts_at, ends_at, revoked_by, revoked_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		g.ID, g.FamilyID, g.ChildID, g.Caregiver, g.GrantedBy,
		pq.Array(scopeStrings(g.Scopes)), string(g.Status),
		g.StartsAt, g.EndsAt, g.RevokedBy, g.RevokedAt, g.CreatedAt, g.UpdatedAt)
	if err != nil {
		return access.Grant{}, mapPQError(err)
	}
	return g, nil
}

func (s *Store) GetGrant(ctx context.Context, id string) (access.Grant, error) {
	var row grantRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM grants WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return access.Grant{}, storage.ErrNotFound
	}
	if err != nil {
		return access.Grant{}, err
	}
	return row.toDomain(), nil
}

func (s *Store) UpdateGrant(ctx context.Context, g access.Grant) (access.Grant, error) {
	g.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE grants
		 SET status = $2, revoked_by = $3, revoked_at = $4, updated_at = $5
		 WHERE id = $1`,
		g.ID, string(g.Status), g.RevokedBy, g.RevokedAt, g.UpdatedAt)
	if err != nil {
		return access.Grant{}, err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return access.Grant{}, storage.ErrNotFound
	}
	return g, nil
}

func (s *Store) ListGrants(ctx context.Context, childID string) ([]access.Grant, error) {
	var rows []grantRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM grants WHERE child_id = $1 ORDER BY created_at DESC`, childID)
	if err != nil {
		return nil, err
	}
	return grantRows(rows), nil
}

func (s *Store) ListLapsedGrants(ctx context.Context, now time.Time) ([]access.Grant, error) {
	var rows []grantRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM grants WHERE status = $1 AND ends_at <= $2`,
		string(access.GrantActive), now)
	if err != nil {
		return nil, err
	}
	return grantRows(rows), nil
}

func grantRows(rows []grantRow) []access.Grant {
	out := make([]access.Grant, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out
}

// Audit ------------------------------------------------------------------

type auditRow struct {
	ID         string    `db:"id"`
	FamilyID   string    `db:"family_id"`
	Actor      string    `db:"actor"`
	Action     string    `db:"action"`
	ProposalID string    `db:"proposal_id"`
	SubjectID  string    `db:"subject_id"`
	Detail     string    `db:"detail"`
	CreatedAt  time.Time `db:"created_at"`
}

func (s *Store) AppendAudit(ctx context.Context, entry audit.Entry) (audit.Entry, error) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_entries
		   (id, family_id, actor, action, proposal_id, subject_id, detail, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.ID, entry.FamilyID, entry.Actor, entry.Action,
		entry.ProposalID, entry.SubjectID, entry.Detail, entry.CreatedAt)
	if err != nil {
		return audit.Entry{}, mapPQError(err)
	}
	return entry, nil
}

func (s *Store) ListAudit(ctx context.Context, familyID string, limit int) ([]audit.Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []auditRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM audit_entries WHERE family_id = $1 ORDER BY created_at DESC LIMIT $2`,
		familyID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]audit.Entry, 0, len(rows))
	for _, r := range rows {
		out = append(out, audit.Entry{
			ID:         r.ID,
			FamilyID:   r.FamilyID,
			Actor:      r.Actor,
			Action:     r.Action,
			ProposalID: r.ProposalID,
			SubjectID:  r.SubjectID,
			Detail:     r.Detail,
			CreatedAt:  r.CreatedAt,
		})
	}
	return out, nil
}

// Helpers ----------------------------------------------------------------

// nullableJSON maps an empty document to SQL NULL.
func nullableJSON(data []byte) interface{} {
	if len(data) == 0 {
		return nil
	}
	return data
}

func mapPQError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return storage.ErrAlreadyExists
	}
	return err
}
