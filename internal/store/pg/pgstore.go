// Package pg backs the directory with PostgreSQL. Conditional operations run
// in serializable transactions with row locks, which gives the same
// single-winner semantics the in-memory store gets from its mutex.
package pg

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"notedesk.org/internal/directory"
	"notedesk.org/internal/ids"
)

type Store struct {
	db  *sql.DB
	hub *directory.WatchHub
}

var _ directory.Store = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db, hub: directory.NewWatchHub()}, nil
}

// NewWithDB wraps an existing connection (used by tests).
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db, hub: directory.NewWatchHub()}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

const accountCols = `id, coalesce(handle,''), role, coalesce(institution_id,''), coalesce(password_hash,''), created_at, updated_at`

func scanAccount(row interface{ Scan(...any) error }) (directory.Account, error) {
	var a directory.Account
	err := row.Scan(&a.ID, &a.Handle, &a.Role, &a.InstitutionID, &a.PasswordHash, &a.CreatedAt, &a.UpdatedAt)
	return a, err
}

func (s *Store) GetAccount(ctx context.Context, id string) (directory.Account, error) {
	acct, err := scanAccount(s.db.QueryRowContext(ctx, `select `+accountCols+` from accounts where id=$1`, id))
	if err != nil {
		return directory.Account{}, mapError(fmt.Sprintf("account %s", id), err)
	}
	return acct, nil
}

func (s *Store) FindAccountByHandle(ctx context.Context, handle string) (directory.Account, error) {
	handle = strings.ToLower(strings.TrimSpace(handle))
	if handle == "" {
		return directory.Account{}, fmt.Errorf("%w: handle is required", directory.ErrInvalidInput)
	}
	acct, err := scanAccount(s.db.QueryRowContext(ctx,
		`select `+accountCols+` from accounts where lower(handle)=$1`, handle))
	if err != nil {
		return directory.Account{}, mapError(fmt.Sprintf("handle %s", handle), err)
	}
	return acct, nil
}

func (s *Store) ListAccounts(ctx context.Context) ([]directory.Account, error) {
	rows, err := s.db.QueryContext(ctx, `select `+accountCols+` from accounts order by id`)
	if err != nil {
		return nil, mapError("accounts", err)
	}
	defer rows.Close()

	out := make([]directory.Account, 0)
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, acct)
	}
	return out, rows.Err()
}

func (s *Store) PutAccount(ctx context.Context, acct directory.Account) (directory.Account, error) {
	if acct.Role == "" {
		acct.Role = directory.RoleUser
	}
	if !acct.Role.Valid() {
		return directory.Account{}, fmt.Errorf("%w: unsupported role %q", directory.ErrInvalidInput, acct.Role)
	}
	if acct.ID == "" {
		acct.ID = ids.New()
	}

	row := s.db.QueryRowContext(ctx, `
		insert into accounts(id, handle, role, institution_id, password_hash, created_at, updated_at)
		values ($1, nullif($2,''), $3, nullif($4,''), nullif($5,''), now(), now())
		on conflict (id) do update
		set handle = excluded.handle,
		    role = excluded.role,
		    institution_id = excluded.institution_id,
		    password_hash = excluded.password_hash,
		    updated_at = now()
		returning `+accountCols,
		acct.ID, acct.Handle, string(acct.Role), acct.InstitutionID, acct.PasswordHash)
	saved, err := scanAccount(row)
	if err != nil {
		return directory.Account{}, mapError(fmt.Sprintf("account %s", acct.ID), err)
	}

	s.hub.PublishAccount(saved)
	s.publishAccounts(ctx)
	return saved, nil
}

const institutionCols = `id, name, coalesce(moderator_id,''), coalesce(legacy_moderator_ids,'[]'::jsonb), created_at, updated_at`

func scanInstitution(row interface{ Scan(...any) error }) (directory.Institution, error) {
	var inst directory.Institution
	var legacy []byte
	if err := row.Scan(&inst.ID, &inst.Name, &inst.ModeratorID, &legacy, &inst.CreatedAt, &inst.UpdatedAt); err != nil {
		return directory.Institution{}, err
	}
	if err := json.Unmarshal(legacy, &inst.LegacyModeratorIDs); err != nil {
		return directory.Institution{}, fmt.Errorf("decode legacy moderator set: %w", err)
	}
	inst.Normalize()
	return inst, nil
}

func (s *Store) GetInstitution(ctx context.Context, id string) (directory.Institution, error) {
	inst, err := scanInstitution(s.db.QueryRowContext(ctx,
		`select `+institutionCols+` from institutions where id=$1`, id))
	if err != nil {
		return directory.Institution{}, mapError(fmt.Sprintf("institution %s", id), err)
	}
	return inst, nil
}

func (s *Store) ListInstitutions(ctx context.Context) ([]directory.Institution, error) {
	rows, err := s.db.QueryContext(ctx, `select `+institutionCols+` from institutions order by id`)
	if err != nil {
		return nil, mapError("institutions", err)
	}
	defer rows.Close()

	out := make([]directory.Institution, 0)
	for rows.Next() {
		inst, err := scanInstitution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func (s *Store) SeedInstitutions(ctx context.Context, list []directory.Institution) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapError("seed institutions", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, inst := range list {
		inst.ID = strings.TrimSpace(inst.ID)
		if inst.ID == "" {
			return fmt.Errorf("%w: institution id is required", directory.ErrInvalidInput)
		}
		// Re-seeding refreshes the display name but never the lock.
		if _, err := tx.ExecContext(ctx, `
			insert into institutions(id, name, created_at, updated_at)
			values ($1, $2, now(), now())
			on conflict (id) do update
			set name = excluded.name, updated_at = now()
		`, inst.ID, inst.Name); err != nil {
			return mapError(fmt.Sprintf("seed institution %s", inst.ID), err)
		}
	}
	if err := tx.Commit(); err != nil {
		return mapError("seed institutions", err)
	}
	return nil
}

func (s *Store) AcquireModeratorLock(ctx context.Context, institutionID, accountID string) (directory.Institution, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return directory.Institution{}, mapError("acquire lock", err)
	}
	defer func() { _ = tx.Rollback() }()

	inst, err := scanInstitution(tx.QueryRowContext(ctx,
		`select `+institutionCols+` from institutions where id=$1 for update`, institutionID))
	if err != nil {
		return directory.Institution{}, mapError(fmt.Sprintf("institution %s", institutionID), err)
	}
	if inst.ModeratorID != "" && inst.ModeratorID != accountID {
		return directory.Institution{}, fmt.Errorf("institution %s held by %s: %w", institutionID, inst.ModeratorID, directory.ErrConflict)
	}

	acct, err := scanAccount(tx.QueryRowContext(ctx,
		`select `+accountCols+` from accounts where id=$1 for update`, accountID))
	if err != nil {
		return directory.Institution{}, mapError(fmt.Sprintf("account %s", accountID), err)
	}
	if inst.ModeratorID == accountID && acct.Role == directory.RoleModerator && acct.InstitutionID == institutionID {
		// Re-assignment to the current holder is a no-op success.
		return inst, nil
	}

	if err := tx.QueryRowContext(ctx, `
		update accounts set role=$2, institution_id=$3, updated_at=now()
		where id=$1
		returning updated_at
	`, accountID, string(directory.RoleModerator), institutionID).Scan(&acct.UpdatedAt); err != nil {
		return directory.Institution{}, mapError(fmt.Sprintf("account %s", accountID), err)
	}
	acct.Role = directory.RoleModerator
	acct.InstitutionID = institutionID

	// Writing the scalar lock also retires any legacy set-valued shape.
	if err := tx.QueryRowContext(ctx, `
		update institutions set moderator_id=$2, legacy_moderator_ids=null, updated_at=now()
		where id=$1
		returning updated_at
	`, institutionID, accountID).Scan(&inst.UpdatedAt); err != nil {
		return directory.Institution{}, mapError(fmt.Sprintf("institution %s", institutionID), err)
	}
	inst.ModeratorID = accountID

	if err := tx.Commit(); err != nil {
		return directory.Institution{}, mapError("acquire lock", err)
	}

	s.hub.PublishAccount(acct)
	s.publishAccounts(ctx)
	return inst, nil
}

func (s *Store) ReleaseModeratorLock(ctx context.Context, institutionID, accountID string) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return mapError("release lock", err)
	}
	defer func() { _ = tx.Rollback() }()

	inst, err := scanInstitution(tx.QueryRowContext(ctx,
		`select `+institutionCols+` from institutions where id=$1 for update`, institutionID))
	if err != nil {
		return mapError(fmt.Sprintf("institution %s", institutionID), err)
	}

	var changed *directory.Account
	acct, err := scanAccount(tx.QueryRowContext(ctx,
		`select `+accountCols+` from accounts where id=$1 for update`, accountID))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// Unknown account: release stays idempotent.
	case err != nil:
		return mapError(fmt.Sprintf("account %s", accountID), err)
	case acct.Role == directory.RoleModerator || acct.InstitutionID != "":
		if err := tx.QueryRowContext(ctx, `
			update accounts set role=$2, institution_id=null, updated_at=now()
			where id=$1
			returning updated_at
		`, accountID, string(directory.RoleUser)).Scan(&acct.UpdatedAt); err != nil {
			return mapError(fmt.Sprintf("account %s", accountID), err)
		}
		acct.Role = directory.RoleUser
		acct.InstitutionID = ""
		changed = &acct
	}

	// Clear the lock only while this account still holds it.
	if inst.ModeratorID == accountID {
		if _, err := tx.ExecContext(ctx, `
			update institutions set moderator_id=null, legacy_moderator_ids=null, updated_at=now()
			where id=$1
		`, institutionID); err != nil {
			return mapError(fmt.Sprintf("institution %s", institutionID), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return mapError("release lock", err)
	}

	if changed != nil {
		s.hub.PublishAccount(*changed)
		s.publishAccounts(ctx)
	}
	return nil
}

const submissionCols = `id, institution_id, subject, coalesce(author_name,''), coalesce(author_id,''), status, created_at, approved_at, coalesce(approved_by,''), views, downloads, likes`

func scanSubmission(row interface{ Scan(...any) error }) (directory.Submission, error) {
	var sub directory.Submission
	var approvedAt sql.NullTime
	err := row.Scan(&sub.ID, &sub.InstitutionID, &sub.Subject, &sub.AuthorName, &sub.AuthorID,
		&sub.Status, &sub.CreatedAt, &approvedAt, &sub.ApprovedBy, &sub.Views, &sub.Downloads, &sub.Likes)
	if err != nil {
		return directory.Submission{}, err
	}
	if approvedAt.Valid {
		t := approvedAt.Time
		sub.ApprovedAt = &t
	}
	return sub, nil
}

func (s *Store) GetSubmission(ctx context.Context, id string) (directory.Submission, error) {
	sub, err := scanSubmission(s.db.QueryRowContext(ctx,
		`select `+submissionCols+` from submissions where id=$1`, id))
	if err != nil {
		return directory.Submission{}, mapError(fmt.Sprintf("submission %s", id), err)
	}
	return sub, nil
}

func (s *Store) PutSubmission(ctx context.Context, sub directory.Submission) (directory.Submission, error) {
	if sub.InstitutionID == "" {
		return directory.Submission{}, fmt.Errorf("%w: institution_id is required", directory.ErrInvalidInput)
	}
	if sub.Status == "" {
		sub.Status = directory.StatusPending
	}
	if sub.ID == "" {
		sub.ID = ids.New()
	}

	row := s.db.QueryRowContext(ctx, `
		insert into submissions(id, institution_id, subject, author_name, author_id, status, created_at, views, downloads, likes)
		values ($1,$2,$3,nullif($4,''),nullif($5,''),$6,now(),$7,$8,$9)
		on conflict (id) do update
		set subject = excluded.subject,
		    author_name = excluded.author_name,
		    status = excluded.status,
		    views = excluded.views,
		    downloads = excluded.downloads,
		    likes = excluded.likes
		returning `+submissionCols,
		sub.ID, sub.InstitutionID, sub.Subject, sub.AuthorName, sub.AuthorID,
		string(sub.Status), sub.Views, sub.Downloads, sub.Likes)
	saved, err := scanSubmission(row)
	if err != nil {
		return directory.Submission{}, mapError(fmt.Sprintf("submission %s", sub.ID), err)
	}

	s.publishQueue(ctx, saved.InstitutionID)
	return saved, nil
}

func (s *Store) ListPendingSubmissions(ctx context.Context, institutionID string) ([]directory.Submission, error) {
	return s.selectPending(ctx, institutionID)
}

func (s *Store) DecideSubmission(ctx context.Context, id string, status directory.SubmissionStatus, reviewerID string) (directory.Submission, error) {
	if !status.Terminal() {
		return directory.Submission{}, fmt.Errorf("%w: %q is not a terminal status", directory.ErrInvalidInput, status)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return directory.Submission{}, mapError("decide submission", err)
	}
	defer func() { _ = tx.Rollback() }()

	sub, err := scanSubmission(tx.QueryRowContext(ctx,
		`select `+submissionCols+` from submissions where id=$1 for update`, id))
	if err != nil {
		return directory.Submission{}, mapError(fmt.Sprintf("submission %s", id), err)
	}
	if sub.Status != directory.StatusPending {
		// The loser of a decision race observes the committed state.
		return sub, fmt.Errorf("submission %s already %s: %w", id, sub.Status, directory.ErrConflict)
	}

	if status == directory.StatusApproved {
		// The approval timestamp comes from the database clock.
		var approvedAt time.Time
		if err := tx.QueryRowContext(ctx, `
			update submissions set status=$2, approved_at=now(), approved_by=$3
			where id=$1
			returning approved_at
		`, id, string(status), reviewerID).Scan(&approvedAt); err != nil {
			return directory.Submission{}, mapError(fmt.Sprintf("submission %s", id), err)
		}
		sub.ApprovedAt = &approvedAt
		sub.ApprovedBy = reviewerID
	} else {
		if _, err := tx.ExecContext(ctx, `
			update submissions set status=$2 where id=$1
		`, id, string(status)); err != nil {
			return directory.Submission{}, mapError(fmt.Sprintf("submission %s", id), err)
		}
	}
	sub.Status = status

	if err := tx.Commit(); err != nil {
		return directory.Submission{}, mapError("decide submission", err)
	}

	s.publishQueue(ctx, sub.InstitutionID)
	return sub, nil
}

func (s *Store) WatchPendingSubmissions(ctx context.Context, institutionID string) <-chan []directory.Submission {
	ch := s.hub.SubscribeQueue(ctx, institutionID)
	if snapshot, err := s.selectPending(ctx, institutionID); err == nil {
		s.hub.SendInitialQueue(institutionID, ch, snapshot)
	}
	return ch
}

func (s *Store) WatchAccount(ctx context.Context, accountID string) <-chan directory.Account {
	ch := s.hub.SubscribeAccount(ctx, accountID)
	if acct, err := s.GetAccount(ctx, accountID); err == nil {
		s.hub.SendInitialAccount(accountID, ch, acct)
	}
	return ch
}

func (s *Store) WatchAccounts(ctx context.Context) <-chan []directory.Account {
	ch := s.hub.SubscribeAccounts(ctx)
	if snapshot, err := s.ListAccounts(ctx); err == nil {
		s.hub.SendInitialAccounts(ch, snapshot)
	}
	return ch
}

func (s *Store) selectPending(ctx context.Context, institutionID string) ([]directory.Submission, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+submissionCols+` from submissions
		where institution_id=$1 and status=$2
		order by id
	`, institutionID, string(directory.StatusPending))
	if err != nil {
		return nil, mapError("pending submissions", err)
	}
	defer rows.Close()

	out := make([]directory.Submission, 0)
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *Store) publishQueue(ctx context.Context, institutionID string) {
	if snapshot, err := s.selectPending(ctx, institutionID); err == nil {
		s.hub.PublishQueue(institutionID, snapshot)
	}
}

func (s *Store) publishAccounts(ctx context.Context) {
	if snapshot, err := s.ListAccounts(ctx); err == nil {
		s.hub.PublishAccounts(snapshot)
	}
}

// mapError translates database failures into the directory error taxonomy.
// Connection-class and serialization failures surface as retryable.
func mapError(what string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("%s: %w", what, directory.ErrNotFound)
	case errors.Is(err, driver.ErrBadConn), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %v: %w", what, err, directory.ErrUnavailable)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "40001": // serialization_failure
			return fmt.Errorf("%s: %v: %w", what, err, directory.ErrUnavailable)
		case pgErr.Code == "23505": // unique_violation
			return fmt.Errorf("%s: %v: %w", what, err, directory.ErrConflict)
		case strings.HasPrefix(pgErr.Code, "08"): // connection exception
			return fmt.Errorf("%s: %v: %w", what, err, directory.ErrUnavailable)
		}
	}
	return fmt.Errorf("%s: %w", what, err)
}
