package ledger

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"

	xerrors "PerpPilot-Chain/internal/errors"
)

// MySQLStore 使用 MySQL 持久化交易记录。
type MySQLStore struct {
	db *sql.DB
}

var _ Store = (*MySQLStore)(nil)

// NewMySQLStore 创建一个新的 MySQLStore。
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	store := &MySQLStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS transaction_records (
        id VARCHAR(36) PRIMARY KEY,
        user_id VARCHAR(64) NOT NULL,
        wallet_id VARCHAR(64) NOT NULL DEFAULT '',
        tx_type VARCHAR(32) NOT NULL,
        status VARCHAR(16) NOT NULL,
        amount VARCHAR(64) NOT NULL DEFAULT '0',
        market_index SMALLINT UNSIGNED NOT NULL DEFAULT 0,
        retry_count INT NOT NULL DEFAULT 0,
        tx_hash VARCHAR(128) DEFAULT NULL,
        error_code VARCHAR(64) NOT NULL DEFAULT '',
        error_message TEXT,
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        confirmed_at BIGINT DEFAULT NULL,
        UNIQUE INDEX idx_record_tx_hash (tx_hash),
        INDEX idx_record_user (user_id, created_at),
        INDEX idx_record_status (status)
)`

	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 transaction_records 表失败")
	}
	return nil
}

// Create 插入新的交易记录。
func (s *MySQLStore) Create(ctx context.Context, record *Record) error {
	if record == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "record 不能为空")
	}
	if strings.TrimSpace(record.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "记录 ID 不能为空")
	}
	if record.Status == "" {
		record.Status = StatusPending
	}

	now := time.Now().UTC()
	record.CreatedAt = now
	record.UpdatedAt = now

	const stmt = `INSERT INTO transaction_records
        (id, user_id, wallet_id, tx_type, status, amount, market_index, retry_count, tx_hash, error_code, error_message, created_at, updated_at, confirmed_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, '', '', ?, ?, NULL)`

	_, err := s.db.ExecContext(ctx, stmt,
		record.ID,
		record.UserID,
		record.WalletID,
		record.TxType,
		record.Status,
		record.Amount.String(),
		record.MarketIndex,
		record.RetryCount,
		nullableString(record.TxHash),
		record.CreatedAt.Unix(),
		record.UpdatedAt.Unix(),
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return xerrors.Wrap(CodeRecordConflict, err, "记录已存在")
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入交易记录失败")
	}
	return nil
}

const recordColumns = `id, user_id, wallet_id, tx_type, status, amount, market_index, retry_count, tx_hash, error_code, error_message, created_at, updated_at, confirmed_at`

// Get 查询指定记录。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM transaction_records WHERE id = ?`, id)
	return scanRecord(row)
}

// GetByHash 按交易哈希查询记录。
func (s *MySQLStore) GetByHash(ctx context.Context, txHash string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM transaction_records WHERE tx_hash = ?`, txHash)
	return scanRecord(row)
}

// UpdateStatus 推进记录状态。
// WHERE 子句限定非终态行，保证终态不可逆由数据库原子判定。
func (s *MySQLStore) UpdateStatus(ctx context.Context, id string, update StatusUpdate) (*Record, error) {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UTC().Unix()}

	if update.Status != "" {
		if !IsValidStatus(update.Status) {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "非法状态: "+string(update.Status))
		}
		sets = append(sets, "status = ?")
		args = append(args, update.Status)
	}
	if update.TxHash != nil {
		sets = append(sets, "tx_hash = ?")
		args = append(args, nullableString(*update.TxHash))
	}
	if update.RetryCount != nil {
		sets = append(sets, "retry_count = ?")
		args = append(args, *update.RetryCount)
	}
	if update.ErrorCode != nil {
		sets = append(sets, "error_code = ?")
		args = append(args, *update.ErrorCode)
	}
	if update.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, *update.ErrorMessage)
	}
	if update.ConfirmedAt != nil {
		sets = append(sets, "confirmed_at = ?")
		args = append(args, update.ConfirmedAt.Unix())
	}

	stmt := fmt.Sprintf(`UPDATE transaction_records SET %s WHERE id = ? AND status = ?`,
		strings.Join(sets, ", "))
	args = append(args, id, StatusPending)

	res, err := s.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return nil, xerrors.Wrap(CodeRecordConflict, err, "交易哈希已被占用")
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新交易记录失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		record, getErr := s.Get(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		if record.Status.Terminal() {
			return nil, ErrRecordTerminal
		}
		return record, nil
	}
	return s.Get(ctx, id)
}

// ListForUser 返回用户的记录。
func (s *MySQLStore) ListForUser(ctx context.Context, userID string, opts ...ListOption) ([]*Record, error) {
	options := buildListOptions(opts)

	where := []string{"user_id = ?"}
	args := []any{userID}
	if len(options.Statuses) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(options.Statuses)), ",")
		where = append(where, "status IN ("+placeholders+")")
		for _, status := range options.Statuses {
			args = append(args, status)
		}
	}
	if len(options.TxTypes) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(options.TxTypes)), ",")
		where = append(where, "tx_type IN ("+placeholders+")")
		for _, txType := range options.TxTypes {
			args = append(args, txType)
		}
	}
	if !options.CreatedGTE.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, options.CreatedGTE.Unix())
	}

	order := "DESC"
	if options.Order == SortByCreatedAsc {
		order = "ASC"
	}
	stmt := fmt.Sprintf(`SELECT %s FROM transaction_records WHERE %s ORDER BY created_at %s LIMIT ? OFFSET ?`,
		recordColumns, strings.Join(where, " AND "), order)
	args = append(args, options.Limit, options.Offset)

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询交易记录失败")
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历交易记录失败")
	}
	return records, nil
}

// Stats 返回按状态聚合的记录数。
func (s *MySQLStore) Stats(ctx context.Context) (*Stats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM transaction_records GROUP BY status`)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计交易记录失败")
	}
	defer rows.Close()

	stats := &Stats{}
	for rows.Next() {
		var status Status
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取统计行失败")
		}
		stats.Total += count
		switch status {
		case StatusPending:
			stats.Pending = count
		case StatusConfirmed:
			stats.Confirmed = count
		case StatusFailed:
			stats.Failed = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历统计行失败")
	}
	return stats, nil
}

// Close 关闭数据库连接。
func (s *MySQLStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var record Record
	var amount string
	var txHash sql.NullString
	var errorMessage sql.NullString
	var createdAt, updatedAt int64
	var confirmedAt sql.NullInt64

	if err := row.Scan(
		&record.ID,
		&record.UserID,
		&record.WalletID,
		&record.TxType,
		&record.Status,
		&amount,
		&record.MarketIndex,
		&record.RetryCount,
		&txHash,
		&record.ErrorCode,
		&errorMessage,
		&createdAt,
		&updatedAt,
		&confirmedAt,
	); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取交易记录失败")
	}

	parsed, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析记录金额失败")
	}
	record.Amount = parsed
	record.TxHash = txHash.String
	record.ErrorMessage = errorMessage.String
	record.CreatedAt = time.Unix(createdAt, 0).UTC()
	record.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	if confirmedAt.Valid {
		at := time.Unix(confirmedAt.Int64, 0).UTC()
		record.ConfirmedAt = &at
	}
	return &record, nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}
