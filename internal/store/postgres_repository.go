/**
 * @description
 * This file provides the PostgreSQL implementation of the `Store` interface. Row locks
 * are taken with `SELECT ... FOR UPDATE` inside `WithinTx`, which owns the single
 * Begin/Commit pair for every business operation.
 *
 * @dependencies
 * - context, errors, fmt, time: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - github.com/shopspring/decimal: For commission rule values.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/transfa/escrow-service/internal/domain"
)

// PostgresRepository is a concrete implementation of the Store interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// querier is satisfied by both the pool and an open transaction.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const accountColumns = `id, display_name, role, available_balance, frozen_balance, halted, COALESCE(halted_reason, ''), created_at, updated_at`

const orderColumns = `
	id, order_no, city_code, order_type, skill_category, title, description,
	publish_price, platform_fee, grab_price, commission_rule_id, publisher_id, grabber_id, status,
	exception_reason, exception_proofs, exception_time, appeal_reason, appeal_time, ruling,
	created_at, updated_at, grabbed_at, completed_at, closed_at`

func scanAccount(row pgx.Row) (*domain.Account, error) {
	var acc domain.Account
	err := row.Scan(&acc.ID, &acc.DisplayName, &acc.Role, &acc.AvailableBalance, &acc.FrozenBalance,
		&acc.Halted, &acc.HaltedReason, &acc.CreatedAt, &acc.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &acc, nil
}

func scanOrder(row pgx.Row) (*domain.Order, error) {
	var (
		order           domain.Order
		exceptionReason *string
		exceptionProofs []string
		exceptionTime   *time.Time
		appealReason    *string
		appealTime      *time.Time
		ruling          *string
	)
	err := row.Scan(
		&order.ID, &order.OrderNo, &order.CityCode, &order.OrderType, &order.SkillCategory, &order.Title, &order.Description,
		&order.PublishPrice, &order.PlatformFee, &order.GrabPrice, &order.CommissionRuleID, &order.PublisherID, &order.GrabberID, &order.Status,
		&exceptionReason, &exceptionProofs, &exceptionTime, &appealReason, &appealTime, &ruling,
		&order.CreatedAt, &order.UpdatedAt, &order.GrabbedAt, &order.CompletedAt, &order.ClosedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	if exceptionReason != nil && exceptionTime != nil {
		order.Dispute = &domain.Dispute{
			ExceptionReason: *exceptionReason,
			ExceptionProofs: exceptionProofs,
			ExceptionTime:   *exceptionTime,
			AppealTime:      appealTime,
		}
		if appealReason != nil {
			order.Dispute.AppealReason = *appealReason
		}
	}
	if ruling != nil {
		r := domain.Ruling(*ruling)
		order.Ruling = &r
	}
	return &order, nil
}

func disputeColumns(order *domain.Order) (reason *string, proofs []string, at *time.Time, appealReason *string, appealAt *time.Time) {
	if order.Dispute == nil {
		return nil, nil, nil, nil, nil
	}
	d := order.Dispute
	reason = &d.ExceptionReason
	proofs = d.ExceptionProofs
	at = &d.ExceptionTime
	if d.AppealReason != "" {
		appealReason = &d.AppealReason
	}
	return reason, proofs, at, appealReason, d.AppealTime
}

func rulingColumn(order *domain.Order) *string {
	if order.Ruling == nil {
		return nil
	}
	v := string(*order.Ruling)
	return &v
}

// FindAccount retrieves an account by id.
func (r *PostgresRepository) FindAccount(ctx context.Context, accountID string) (*domain.Account, error) {
	return scanAccount(r.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, accountID))
}

// ListAccounts returns every account ordered by id.
func (r *PostgresRepository) ListAccounts(ctx context.Context) ([]domain.Account, error) {
	rows, err := r.db.Query(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *acc)
	}
	return out, rows.Err()
}

// FindOrder retrieves an order by id.
func (r *PostgresRepository) FindOrder(ctx context.Context, orderID uuid.UUID) (*domain.Order, error) {
	return scanOrder(r.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, orderID))
}

// ListOrders returns orders matching the filter, oldest first.
func (r *PostgresRepository) ListOrders(ctx context.Context, filter domain.OrderFilter) ([]domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE 1 = 1`
	args := []any{}
	add := func(clause string, v any) {
		args = append(args, v)
		query += fmt.Sprintf(" AND "+clause, len(args))
	}
	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}
	if filter.PublisherID != "" {
		add("publisher_id = $%d", filter.PublisherID)
	}
	if filter.GrabberID != "" {
		add("grabber_id = $%d", filter.GrabberID)
	}
	if filter.CompletedUpTo != nil {
		add("completed_at <= $%d", *filter.CompletedUpTo)
	}
	query += " ORDER BY created_at, order_no"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *order)
	}
	return out, rows.Err()
}

// ListFlows returns an account's flow records in insertion order.
func (r *PostgresRepository) ListFlows(ctx context.Context, accountID string) ([]domain.FlowRecord, error) {
	query := `
		SELECT id, account_id, order_id, amount, direction, category, description, proof_ref, created_at
		FROM flow_records
		WHERE account_id = $1
		ORDER BY created_at, id
	`
	rows, err := r.db.Query(ctx, query, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.FlowRecord
	for rows.Next() {
		var f domain.FlowRecord
		if err := rows.Scan(&f.ID, &f.AccountID, &f.OrderID, &f.Amount, &f.Direction, &f.Category, &f.Description, &f.ProofRef, &f.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// ListTransitions returns an order's state history.
func (r *PostgresRepository) ListTransitions(ctx context.Context, orderID uuid.UUID) ([]domain.OrderTransition, error) {
	query := `
		SELECT id, order_id, from_status, to_status, event, actor_id, actor_role, note, created_at
		FROM order_transitions
		WHERE order_id = $1
		ORDER BY created_at, id
	`
	rows, err := r.db.Query(ctx, query, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.OrderTransition
	for rows.Next() {
		var t domain.OrderTransition
		if err := rows.Scan(&t.ID, &t.OrderID, &t.From, &t.To, &t.Event, &t.ActorID, &t.ActorRole, &t.Note, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListAuditEntries returns the audit lines attached to an order.
func (r *PostgresRepository) ListAuditEntries(ctx context.Context, orderID uuid.UUID) ([]domain.AuditEntry, error) {
	query := `
		SELECT id, action, actor_id, actor_role, order_id, COALESCE(account_id, ''), from_status, to_status, detail, created_at
		FROM audit_log
		WHERE order_id = $1
		ORDER BY created_at, id
	`
	rows, err := r.db.Query(ctx, query, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		if err := rows.Scan(&e.ID, &e.Action, &e.ActorID, &e.ActorRole, &e.OrderID, &e.AccountID, &e.FromStatus, &e.ToStatus, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

const withdrawalColumns = `id, account_id, amount, status, note, created_at, resolved_at`

func scanWithdrawal(row pgx.Row) (*domain.Withdrawal, error) {
	var w domain.Withdrawal
	err := row.Scan(&w.ID, &w.AccountID, &w.Amount, &w.Status, &w.Note, &w.CreatedAt, &w.ResolvedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrWithdrawalNotFound
		}
		return nil, err
	}
	return &w, nil
}

// FindWithdrawal retrieves a withdrawal by id.
func (r *PostgresRepository) FindWithdrawal(ctx context.Context, withdrawalID uuid.UUID) (*domain.Withdrawal, error) {
	return scanWithdrawal(r.db.QueryRow(ctx, `SELECT `+withdrawalColumns+` FROM withdrawals WHERE id = $1`, withdrawalID))
}

// ListPendingWithdrawals returns the withdrawals still holding frozen funds on an account.
func (r *PostgresRepository) ListPendingWithdrawals(ctx context.Context, accountID string) ([]domain.Withdrawal, error) {
	query := `SELECT ` + withdrawalColumns + ` FROM withdrawals WHERE account_id = $1 AND status = 'PENDING' ORDER BY created_at`
	rows, err := r.db.Query(ctx, query, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Withdrawal
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}

// ListActiveCommissionRules returns active rules in priority order. Row order breaks matcher ties.
func (r *PostgresRepository) ListActiveCommissionRules(ctx context.Context) ([]domain.CommissionRule, error) {
	query := `
		SELECT id, city_code, order_type, skill_category, mode, value::text, active
		FROM commission_rules
		WHERE active = TRUE
		ORDER BY priority, id
	`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.CommissionRule
	for rows.Next() {
		var (
			rule  domain.CommissionRule
			value string
		)
		if err := rows.Scan(&rule.ID, &rule.CityCode, &rule.OrderType, &rule.SkillCategory, &rule.Mode, &value, &rule.Active); err != nil {
			return nil, err
		}
		rule.Value, err = decimal.NewFromString(value)
		if err != nil {
			return nil, fmt.Errorf("commission rule %s: invalid value %q: %w", rule.ID, value, err)
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}

// HaltAccount flags an account so no further mutation is accepted until an operator clears it.
func (r *PostgresRepository) HaltAccount(ctx context.Context, accountID string, reason string) error {
	tag, err := r.db.Exec(ctx, `UPDATE accounts SET halted = TRUE, halted_reason = $1, updated_at = NOW() WHERE id = $2`, reason, accountID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// WithinTx runs fn inside a single database transaction.
func (r *PostgresRepository) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, &pgTx{q: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

type pgTx struct {
	q querier
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (t *pgTx) CreateAccount(ctx context.Context, account *domain.Account) error {
	query := `
		INSERT INTO accounts (id, display_name, role, available_balance, frozen_balance, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := t.q.Exec(ctx, query, account.ID, account.DisplayName, account.Role,
		account.AvailableBalance, account.FrozenBalance, account.CreatedAt, account.UpdatedAt)
	if isUniqueViolation(err) {
		return domain.ErrAccountExists
	}
	return err
}

func (t *pgTx) GetAccountForUpdate(ctx context.Context, accountID string) (*domain.Account, error) {
	// Use FOR UPDATE to lock the row until the transaction ends.
	return scanAccount(t.q.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, accountID))
}

func (t *pgTx) UpdateAccountBalances(ctx context.Context, account *domain.Account) error {
	query := `UPDATE accounts SET available_balance = $1, frozen_balance = $2, updated_at = NOW() WHERE id = $3`
	tag, err := t.q.Exec(ctx, query, account.AvailableBalance, account.FrozenBalance, account.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (t *pgTx) AppendFlow(ctx context.Context, flow *domain.FlowRecord) error {
	query := `
		INSERT INTO flow_records (id, account_id, order_id, amount, direction, category, description, proof_ref, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := t.q.Exec(ctx, query, flow.ID, flow.AccountID, flow.OrderID, flow.Amount,
		flow.Direction, flow.Category, flow.Description, flow.ProofRef, flow.CreatedAt)
	if isUniqueViolation(err) && flow.Category == domain.CategoryTopUp {
		return domain.ErrDuplicateTopUp
	}
	return err
}

func (t *pgTx) FlowExists(ctx context.Context, category domain.FlowCategory, proofRef string) (bool, error) {
	var exists bool
	err := t.q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM flow_records WHERE category = $1 AND proof_ref = $2)`, category, proofRef).Scan(&exists)
	return exists, err
}

func (t *pgTx) CreateOrder(ctx context.Context, order *domain.Order) error {
	query := `
		INSERT INTO orders (
			id, order_no, city_code, order_type, skill_category, title, description,
			publish_price, platform_fee, grab_price, commission_rule_id, publisher_id, status,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`
	_, err := t.q.Exec(ctx, query,
		order.ID, order.OrderNo, order.CityCode, order.OrderType, order.SkillCategory, order.Title, order.Description,
		order.PublishPrice, order.PlatformFee, order.GrabPrice, order.CommissionRuleID, order.PublisherID, order.Status,
		order.CreatedAt, order.UpdatedAt,
	)
	return err
}

func (t *pgTx) GetOrderForUpdate(ctx context.Context, orderID uuid.UUID) (*domain.Order, error) {
	return scanOrder(t.q.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, orderID))
}

func (t *pgTx) UpdateOrder(ctx context.Context, order *domain.Order) error {
	reason, proofs, at, appealReason, appealAt := disputeColumns(order)
	query := `
		UPDATE orders SET
			grabber_id = $1, status = $2,
			exception_reason = $3, exception_proofs = $4, exception_time = $5,
			appeal_reason = $6, appeal_time = $7, ruling = $8,
			updated_at = $9, grabbed_at = $10, completed_at = $11, closed_at = $12
		WHERE id = $13
	`
	tag, err := t.q.Exec(ctx, query,
		order.GrabberID, order.Status,
		reason, proofs, at,
		appealReason, appealAt, rulingColumn(order),
		order.UpdatedAt, order.GrabbedAt, order.CompletedAt, order.ClosedAt,
		order.ID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrOrderNotFound
	}
	return nil
}

func (t *pgTx) AppendTransition(ctx context.Context, transition *domain.OrderTransition) error {
	query := `
		INSERT INTO order_transitions (id, order_id, from_status, to_status, event, actor_id, actor_role, note, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := t.q.Exec(ctx, query, transition.ID, transition.OrderID, transition.From, transition.To,
		transition.Event, transition.ActorID, transition.ActorRole, transition.Note, transition.CreatedAt)
	return err
}

func (t *pgTx) AppendAudit(ctx context.Context, entry *domain.AuditEntry) error {
	var accountID *string
	if entry.AccountID != "" {
		accountID = &entry.AccountID
	}
	query := `
		INSERT INTO audit_log (id, action, actor_id, actor_role, order_id, account_id, from_status, to_status, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := t.q.Exec(ctx, query, entry.ID, entry.Action, entry.ActorID, entry.ActorRole, entry.OrderID,
		accountID, entry.FromStatus, entry.ToStatus, entry.Detail, entry.CreatedAt)
	return err
}

func (t *pgTx) CreateWithdrawal(ctx context.Context, w *domain.Withdrawal) error {
	query := `
		INSERT INTO withdrawals (id, account_id, amount, status, note, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := t.q.Exec(ctx, query, w.ID, w.AccountID, w.Amount, w.Status, w.Note, w.CreatedAt)
	return err
}

func (t *pgTx) GetWithdrawalForUpdate(ctx context.Context, withdrawalID uuid.UUID) (*domain.Withdrawal, error) {
	return scanWithdrawal(t.q.QueryRow(ctx, `SELECT `+withdrawalColumns+` FROM withdrawals WHERE id = $1 FOR UPDATE`, withdrawalID))
}

func (t *pgTx) UpdateWithdrawal(ctx context.Context, w *domain.Withdrawal) error {
	_, err := t.q.Exec(ctx, `UPDATE withdrawals SET status = $1, note = $2, resolved_at = $3 WHERE id = $4`,
		w.Status, w.Note, w.ResolvedAt, w.ID)
	return err
}
