package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrAccountNotFound signals that the account does not exist.
	ErrAccountNotFound = errors.New("identity: account not found")
	// ErrDuplicateName signals that the account name is already registered.
	ErrDuplicateName = errors.New("identity: account name already exists")
)

// Repository handles data access for service accounts.
type Repository interface {
	CreateAccount(ctx context.Context, params CreateAccountParams) (Account, error)
	GetAccountByName(ctx context.Context, name string) (Account, error)
	GetAccountByID(ctx context.Context, id string) (Account, error)
}

// CreateAccountParams contains write parameters for creating accounts.
type CreateAccountParams struct {
	Name       string
	Role       Role
	SecretHash string
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a PostgreSQL-backed identity repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// CreateAccount inserts a new account with a hashed secret.
func (r *PGRepository) CreateAccount(ctx context.Context, params CreateAccountParams) (Account, error) {
	const insertSQL = `
		INSERT INTO service_accounts (id, name, role, secret_hash)
		VALUES ($1, $2, $3, $4)
		RETURNING id, name, role, secret_hash, created_at
	`

	account, err := scanAccount(r.pool.QueryRow(ctx, insertSQL, uuid.NewString(), params.Name, string(params.Role), params.SecretHash))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Account{}, ErrDuplicateName
		}
		return Account{}, fmt.Errorf("identity: create account: %w", err)
	}

	return account, nil
}

// GetAccountByName retrieves an account by its registered name.
func (r *PGRepository) GetAccountByName(ctx context.Context, name string) (Account, error) {
	const selectSQL = `
		SELECT id, name, role, secret_hash, created_at
		FROM service_accounts
		WHERE name = $1
	`

	account, err := scanAccount(r.pool.QueryRow(ctx, selectSQL, name))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, fmt.Errorf("identity: get account by name: %w", err)
	}

	return account, nil
}

// GetAccountByID retrieves an account by ID.
func (r *PGRepository) GetAccountByID(ctx context.Context, id string) (Account, error) {
	const selectSQL = `
		SELECT id, name, role, secret_hash, created_at
		FROM service_accounts
		WHERE id = $1
	`

	account, err := scanAccount(r.pool.QueryRow(ctx, selectSQL, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, fmt.Errorf("identity: get account by id: %w", err)
	}

	return account, nil
}

func scanAccount(row pgx.Row) (Account, error) {
	var account Account
	err := row.Scan(
		&account.ID,
		&account.Name,
		&account.Role,
		&account.SecretHash,
		&account.CreatedAt,
	)
	if err != nil {
		return Account{}, err
	}
	return account, nil
}
