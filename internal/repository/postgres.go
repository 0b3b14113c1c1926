// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	"github.com/abtechsolutionagency/shellff-promo-system/internal/metrics"
	"github.com/abtechsolutionagency/shellff-promo-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUserNotFound возвращается, если пользователь не найден.
var (
	ErrUserNotFound = errors.New("user not found")
	// ErrCodeNotFound возвращается, если код разблокировки не найден.
	ErrCodeNotFound = errors.New("unlock code not found")
	// ErrCodeAlreadyRedeemed возвращается при попытке активировать уже использованный код.
	ErrCodeAlreadyRedeemed = errors.New("unlock code already redeemed")
	// ErrDeviceLockMismatch возвращается, если код привязан к другому устройству.
	ErrDeviceLockMismatch = errors.New("unlock code is locked to another device")
	// ErrIPLockMismatch возвращается, если код привязан к другому IP-адресу.
	ErrIPLockMismatch = errors.New("unlock code is locked to another ip")
	// ErrRuleNotFound возвращается, если скидочное правило не найдено.
	ErrRuleNotFound = errors.New("discount rule not found")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string, logger *zap.Logger) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool, logger: logger}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		if isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}
	return err
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// UserExists проверяет существование пользователя.
func (r *PostgresRepository) UserExists(ctx context.Context, userID string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`,
		userID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check user: %w", err)
	}
	return exists, nil
}

// GetDiscountConfig возвращает административную конфигурацию скидочной подсистемы.
func (r *PostgresRepository) GetDiscountConfig(ctx context.Context) (*model.DiscountConfig, error) {
	var cfg model.DiscountConfig
	err := r.pool.QueryRow(ctx,
		`SELECT enabled, max_stackable_discounts, calculation_order, auto_apply_best
		 FROM discount_config
		 WHERE id = 1`,
	).Scan(&cfg.Enabled, &cfg.MaxStackableDiscounts, &cfg.CalculationOrder, &cfg.AutoApplyBest)
	if err != nil {
		return nil, fmt.Errorf("get discount config: %w", err)
	}
	return &cfg, nil
}

// GetSecurityConfig возвращает политику безопасности активаций кодов.
func (r *PostgresRepository) GetSecurityConfig(ctx context.Context) (*model.SecurityConfig, error) {
	var (
		cfg         model.SecurityConfig
		windowHours int
		blockHours  int
	)
	err := r.pool.QueryRow(ctx,
		`SELECT device_locking_enabled, ip_locking_enabled, allow_device_change,
		        device_change_limit, max_redemption_attempts, rate_limit_window_hours,
		        fraud_detection_enabled, suspicious_attempt_threshold,
		        block_suspicious_ips, auto_block_duration_hours
		 FROM security_config
		 WHERE id = 1`,
	).Scan(
		&cfg.DeviceLockingEnabled, &cfg.IPLockingEnabled, &cfg.AllowDeviceChange,
		&cfg.DeviceChangeLimit, &cfg.MaxRedemptionAttempts, &windowHours,
		&cfg.FraudDetectionEnabled, &cfg.SuspiciousAttemptThreshold,
		&cfg.BlockSuspiciousIPs, &blockHours,
	)
	if err != nil {
		return nil, fmt.Errorf("get security config: %w", err)
	}

	cfg.RateLimitWindow = time.Duration(windowHours) * time.Hour
	cfg.AutoBlockDuration = time.Duration(blockHours) * time.Hour

	return &cfg, nil
}

// GetActiveDiscountRules возвращает активные на момент at правила
// в порядке убывания приоритета.
func (r *PostgresRepository) GetActiveDiscountRules(ctx context.Context, at time.Time) ([]model.DiscountRule, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, name, kind, target, params, is_active, start_date, end_date,
		        min_order_amount, max_order_amount, min_quantity, max_quantity,
		        payment_method_id, purchase_types, is_stackable, priority,
		        max_total_usage, max_usage_per_user, current_total_usage
		 FROM discount_rules
		 WHERE is_active
		   AND (start_date IS NULL OR start_date <= $1)
		   AND (end_date IS NULL OR end_date >= $1)
		 ORDER BY priority DESC, created_at`,
		at,
	)
	if err != nil {
		return nil, fmt.Errorf("select discount rules: %w", err)
	}
	defer rows.Close()

	var rules []model.DiscountRule
	for rows.Next() {
		var (
			rule      model.DiscountRule
			kind      string
			target    string
			rawParams []byte
			types     []string
		)
		err := rows.Scan(
			&rule.ID, &rule.Name, &kind, &target, &rawParams, &rule.IsActive,
			&rule.StartDate, &rule.EndDate,
			&rule.MinOrderAmount, &rule.MaxOrderAmount,
			&rule.MinQuantity, &rule.MaxQuantity,
			&rule.PaymentMethodID, &types, &rule.IsStackable, &rule.Priority,
			&rule.MaxTotalUsage, &rule.MaxUsagePerUser, &rule.CurrentTotalUsage,
		)
		if err != nil {
			return nil, fmt.Errorf("scan discount rule: %w", err)
		}

		rule.Kind = model.DiscountKind(kind)
		rule.Target = model.DiscountTarget(target)
		for _, t := range types {
			rule.PurchaseTypes = append(rule.PurchaseTypes, model.PurchaseType(t))
		}

		params, parseErr := parseRuleParams(rule.Kind, rawParams)
		if parseErr != nil {
			// Деградация: правило остаётся в выборке с нулевой скидкой.
			metrics.DegradedRulesTotal.Inc()
			r.logger.Warn("discount rule params are unreadable, rule degrades to zero discount",
				zap.String("rule_id", rule.ID),
				zap.String("rule_name", rule.Name),
				zap.Error(parseErr),
			)
		} else {
			rule.Params = params
		}

		rules = append(rules, rule)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return rules, nil
}

func parseRuleParams(kind model.DiscountKind, raw []byte) (model.RuleParams, error) {
	var params model.RuleParams

	switch kind {
	case model.DiscountKindPercentage:
		var p model.PercentageParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("unmarshal percentage params: %w", err)
		}
		params = p
	case model.DiscountKindFixedAmount:
		var p model.FixedAmountParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("unmarshal fixed amount params: %w", err)
		}
		params = p
	case model.DiscountKindBuyXGetY:
		var p model.BuyXGetYParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("unmarshal buy x get y params: %w", err)
		}
		params = p
	case model.DiscountKindTiered:
		var p model.TieredParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("unmarshal tiered params: %w", err)
		}
		params = p
	default:
		return nil, fmt.Errorf("unknown discount kind: %s", kind)
	}

	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("validate params: %w", err)
	}

	return params, nil
}

// CountRuleUsageByUser возвращает число применений правила данным пользователем.
func (r *PostgresRepository) CountRuleUsageByUser(ctx context.Context, userID, ruleID string) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM discount_usages WHERE user_id = $1 AND rule_id = $2`,
		userID, ruleID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count rule usage: %w", err)
	}
	return count, nil
}

// RecordDiscountUsage в одной транзакции создаёт запись о применении правила
// и увеличивает его суммарный счётчик использований. Либо обе записи, либо ни одной.
func (r *PostgresRepository) RecordDiscountUsage(ctx context.Context, usage *model.DiscountUsage) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		id := usage.ID
		if id == "" {
			id = uuid.NewString()
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO discount_usages
			   (id, user_id, rule_id, order_id, discount_amount, original_amount, final_amount, purchase_type)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			id, usage.UserID, usage.RuleID, usage.OrderID,
			usage.DiscountAmount, usage.OriginalAmount, usage.FinalAmount, string(usage.PurchaseType),
		)
		if err != nil {
			return fmt.Errorf("insert discount usage: %w", err)
		}

		cmdTag, err := tx.Exec(ctx,
			`UPDATE discount_rules
			 SET current_total_usage = current_total_usage + 1, updated_at = now()
			 WHERE id = $1`,
			usage.RuleID,
		)
		if err != nil {
			return fmt.Errorf("increment rule usage: %w", err)
		}
		if cmdTag.RowsAffected() == 0 {
			return ErrRuleNotFound
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		return nil
	})
}

// GetCodeWithAlbum возвращает код разблокировки вместе с данными релиза.
func (r *PostgresRepository) GetCodeWithAlbum(ctx context.Context, code string) (*model.UnlockCode, *model.Album, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT c.id, c.code, c.status, c.release_id, c.redeemed_by, c.redeemed_at,
		        c.device_locked_to, c.ip_locked_to, c.created_at,
		        r.title, r.artist, r.cover_url, r.track_count
		 FROM unlock_codes c
		 JOIN releases r ON r.id = c.release_id
		 WHERE c.code = $1`,
		code,
	)

	var (
		c      model.UnlockCode
		status string
		album  model.Album
	)
	err := row.Scan(
		&c.ID, &c.Code, &status, &c.ReleaseID, &c.RedeemedBy, &c.RedeemedAt,
		&c.DeviceLockedTo, &c.IPLockedTo, &c.CreatedAt,
		&album.Title, &album.Artist, &album.Cover, &album.TrackCount,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, ErrCodeNotFound
		}
		return nil, nil, fmt.Errorf("get unlock code: %w", err)
	}

	c.Status = model.CodeStatus(status)

	return &c, &album, nil
}

// RedeemCodeParams — параметры транзакции активации кода.
type RedeemCodeParams struct {
	Code              string
	UserID            string
	IP                string
	UserAgent         string
	DeviceFingerprint string
	DeviceLocking     bool
	IPLocking         bool
}

// RedeemCode атомарно переводит код из unused в redeemed.
// Внутри транзакции код блокируется и перепроверяется: из N одновременных
// попыток ровно одна увидит статус unused, остальные получат
// ErrCodeAlreadyRedeemed. Вместе с кодом создаются запись о покупке
// нулевой стоимости и успешная запись аудита — всё или ничего.
func (r *PostgresRepository) RedeemCode(ctx context.Context, params RedeemCodeParams) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var (
			codeID         string
			status         string
			redeemedBy     *string
			deviceLockedTo *string
			ipLockedTo     *string
			releaseID      string
		)
		err = tx.QueryRow(ctx,
			`SELECT id, status, redeemed_by, device_locked_to, ip_locked_to, release_id
			 FROM unlock_codes
			 WHERE code = $1
			 FOR UPDATE`,
			params.Code,
		).Scan(&codeID, &status, &redeemedBy, &deviceLockedTo, &ipLockedTo, &releaseID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrCodeNotFound
			}
			return fmt.Errorf("lock unlock code: %w", err)
		}

		if model.CodeStatus(status) != model.CodeStatusUnused || redeemedBy != nil {
			return ErrCodeAlreadyRedeemed
		}

		newDeviceLock := deviceLockedTo
		if params.DeviceLocking {
			if deviceLockedTo != nil && *deviceLockedTo != params.DeviceFingerprint {
				return ErrDeviceLockMismatch
			}
			if deviceLockedTo == nil {
				newDeviceLock = &params.DeviceFingerprint
			}
		}

		newIPLock := ipLockedTo
		if params.IPLocking {
			if ipLockedTo != nil && *ipLockedTo != params.IP {
				return ErrIPLockMismatch
			}
			if ipLockedTo == nil {
				newIPLock = &params.IP
			}
		}

		_, err = tx.Exec(ctx,
			`UPDATE unlock_codes
			 SET status = $2, redeemed_by = $3, redeemed_at = now(),
			     device_locked_to = $4, ip_locked_to = $5
			 WHERE id = $1`,
			codeID, string(model.CodeStatusRedeemed), params.UserID, newDeviceLock, newIPLock,
		)
		if err != nil {
			return fmt.Errorf("update unlock code: %w", err)
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO purchases (id, user_id, purchase_type, amount, release_id)
			 VALUES ($1, $2, $3, 0, $4)`,
			uuid.NewString(), params.UserID, string(model.PurchaseTypeUnlockCodes), releaseID,
		)
		if err != nil {
			return fmt.Errorf("insert purchase: %w", err)
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO code_redemption_logs
			   (id, code_id, user_id, ip, user_agent, device_fingerprint, success, reason)
			 VALUES ($1, $2, $3, $4, $5, $6, true, 'redeemed')`,
			uuid.NewString(), codeID, params.UserID, params.IP, params.UserAgent, params.DeviceFingerprint,
		)
		if err != nil {
			return fmt.Errorf("insert redemption log: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		return nil
	})
}

// InsertRedemptionLog записывает неуспешную попытку активации в журнал аудита.
func (r *PostgresRepository) InsertRedemptionLog(ctx context.Context, entry *model.RedemptionLog) error {
	id := entry.ID
	if id == "" {
		id = uuid.NewString()
	}

	_, err := r.pool.Exec(ctx,
		`INSERT INTO code_redemption_logs
		   (id, code_id, user_id, ip, user_agent, device_fingerprint, success, reason)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		id, entry.CodeID, entry.UserID, entry.IP, entry.UserAgent,
		entry.DeviceFingerprint, entry.Success, entry.Reason,
	)
	if err != nil {
		return fmt.Errorf("insert redemption log: %w", err)
	}
	return nil
}

// GetRedemptionStats возвращает статистику активаций пользователя по журналу аудита.
func (r *PostgresRepository) GetRedemptionStats(ctx context.Context, userID string) (*model.RedemptionStats, error) {
	var stats model.RedemptionStats
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*),
		        COUNT(*) FILTER (WHERE success),
		        COUNT(*) FILTER (WHERE NOT success)
		 FROM code_redemption_logs
		 WHERE user_id = $1`,
		userID,
	).Scan(&stats.Total, &stats.Succeeded, &stats.Failed)
	if err != nil {
		return nil, fmt.Errorf("get redemption stats: %w", err)
	}
	return &stats, nil
}

// GetPurchasesByUser возвращает покупки пользователя, новые первыми.
func (r *PostgresRepository) GetPurchasesByUser(ctx context.Context, userID string) ([]model.Purchase, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, purchase_type, amount, release_id, created_at
		 FROM purchases
		 WHERE user_id = $1
		 ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select purchases: %w", err)
	}
	defer rows.Close()

	var res []model.Purchase
	for rows.Next() {
		var (
			p     model.Purchase
			ptype string
		)
		if err := rows.Scan(&p.ID, &p.UserID, &ptype, &p.Amount, &p.ReleaseID, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan purchase: %w", err)
		}
		p.Type = model.PurchaseType(ptype)
		res = append(res, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}
