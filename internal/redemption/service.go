// Package redemption реализует конвейер безопасной активации кодов разблокировки.
package redemption

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/abtechsolutionagency/shellff-promo-system/internal/metrics"
	"github.com/abtechsolutionagency/shellff-promo-system/internal/model"
	"github.com/abtechsolutionagency/shellff-promo-system/internal/repository"
	"github.com/abtechsolutionagency/shellff-promo-system/internal/validation"
)

// unknownValue — сентинел отсутствующего идентификатора запроса.
// Такие идентификаторы не участвуют в лимитах и фрод-детекции.
const unknownValue = "unknown"

// Сообщения результата. Для лимитов и блокировок они намеренно не раскрывают
// внутреннюю причину: детали остаются в журнале.
const (
	msgInvalidFormat   = "Invalid code format"
	msgNotFound        = "Code not found or invalid"
	msgAlreadyRedeemed = "Code already redeemed"
	msgDeviceLocked    = "Code is locked to a different device"
	msgIPLocked        = "Code is locked to a different network"
	msgRateLimited     = "Too many attempts. Please try again later."
	msgBlocked         = "Temporarily blocked. Please try again later."
	msgInternal        = "Unable to process the code right now. Please try again later."
)

// Repository описывает контракт доступа к данным, используемый конвейером активации.
type Repository interface {
	GetSecurityConfig(ctx context.Context) (*model.SecurityConfig, error)
	GetCodeWithAlbum(ctx context.Context, code string) (*model.UnlockCode, *model.Album, error)
	RedeemCode(ctx context.Context, params repository.RedeemCodeParams) error
	InsertRedemptionLog(ctx context.Context, entry *model.RedemptionLog) error
}

// Limiter описывает контракт ограничителя попыток и блок-листа фрод-детекции.
type Limiter interface {
	Exceeded(ctx context.Context, scope, id string, max int) (bool, error)
	RegisterAttempt(ctx context.Context, scope, id string, window time.Duration) error
	IsBlocked(ctx context.Context, id string) (bool, error)
	RegisterFailure(ctx context.Context, id string, threshold int, window, blockFor time.Duration, blockEnabled bool) (bool, error)
	ClearFailures(ctx context.Context, id string) error
}

// Service реализует проверку и активацию кодов разблокировки.
type Service struct {
	repo    Repository
	limiter Limiter
	logger  *zap.Logger
}

// NewService создаёт конвейер активации с указанными репозиторием и лимитером.
func NewService(repo Repository, limiter Limiter, logger *zap.Logger) *Service {
	return &Service{
		repo:    repo,
		limiter: limiter,
		logger:  logger,
	}
}

// Attempt — входные данные одной попытки активации.
// IP, UserAgent и DeviceFingerprint — непрозрачные строки вызывающей стороны.
type Attempt struct {
	Code              string
	UserID            string
	IP                string
	UserAgent         string
	DeviceFingerprint string
}

type identifier struct {
	scope string
	value string
}

// Validate проверяет код без активации и без побочных эффектов.
// Повторный вызов на неизменном состоянии возвращает тот же результат.
func (s *Service) Validate(ctx context.Context, code string) *model.ValidationResult {
	normalized := validation.NormalizeCode(code)
	if !validation.IsValidCodeFormat(normalized) {
		return &model.ValidationResult{Valid: false, Error: msgInvalidFormat}
	}

	unlockCode, album, err := s.repo.GetCodeWithAlbum(ctx, normalized)
	if err != nil {
		if errors.Is(err, repository.ErrCodeNotFound) {
			return &model.ValidationResult{Valid: false, Error: msgNotFound}
		}
		s.logger.Error("code validation failed", zap.String("code", normalized), zap.Error(err))
		return &model.ValidationResult{Valid: false, Error: msgInternal}
	}

	if unlockCode.Status != model.CodeStatusUnused || unlockCode.RedeemedBy != nil {
		return &model.ValidationResult{Valid: false, Error: msgAlreadyRedeemed}
	}

	return &model.ValidationResult{Valid: true, Album: album}
}

// Redeem выполняет полную попытку активации кода: формат, блок-лист,
// лимиты частоты, состояние кода и атомарный перевод в redeemed.
// Сырые ошибки наружу не выходят: любой внутренний сбой превращается
// в общий отказ.
func (s *Service) Redeem(ctx context.Context, attempt Attempt) *model.RedemptionResult {
	code := validation.NormalizeCode(attempt.Code)
	if !validation.IsValidCodeFormat(code) {
		// Ошибка формата не расходует бюджет попыток и не пишется в аудит.
		metrics.RedemptionAttemptsTotal.WithLabelValues(metrics.OutcomeInvalid).Inc()
		return &model.RedemptionResult{Success: false, Error: msgInvalidFormat}
	}

	cfg, err := s.repo.GetSecurityConfig(ctx)
	if err != nil {
		s.logger.Error("load security config", zap.Error(err))
		metrics.RedemptionAttemptsTotal.WithLabelValues(metrics.OutcomeError).Inc()
		return &model.RedemptionResult{Success: false, Error: msgInternal}
	}

	ip := orUnknown(attempt.IP)
	userAgent := orUnknown(attempt.UserAgent)
	fingerprint := orUnknown(attempt.DeviceFingerprint)

	identifiers := collectIdentifiers(ip, attempt.UserID, fingerprint)

	if cfg.FraudDetectionEnabled {
		for _, id := range identifiers {
			if id.scope == "user" {
				continue
			}
			blocked, err := s.limiter.IsBlocked(ctx, id.value)
			if err != nil {
				s.logger.Warn("block list check failed", zap.String("scope", id.scope), zap.Error(err))
				continue
			}
			if blocked {
				metrics.RedemptionAttemptsTotal.WithLabelValues(metrics.OutcomeBlocked).Inc()
				return &model.RedemptionResult{Success: false, Error: msgBlocked}
			}
		}
	}

	for _, id := range identifiers {
		exceeded, err := s.limiter.Exceeded(ctx, id.scope, id.value, cfg.MaxRedemptionAttempts)
		if err != nil {
			s.logger.Warn("rate limit check failed", zap.String("scope", id.scope), zap.Error(err))
			continue
		}
		if exceeded {
			s.logger.Warn("redemption rate limit exceeded",
				zap.String("scope", id.scope),
				zap.String("identifier", id.value),
			)
			metrics.RateLimitRejectionsTotal.WithLabelValues(id.scope).Inc()
			metrics.RedemptionAttemptsTotal.WithLabelValues(metrics.OutcomeRateLimited).Inc()
			return &model.RedemptionResult{Success: false, Error: msgRateLimited}
		}
	}

	unlockCode, album, err := s.repo.GetCodeWithAlbum(ctx, code)
	if err != nil {
		if errors.Is(err, repository.ErrCodeNotFound) {
			s.registerFailure(ctx, cfg, identifiers, attempt, "", "code not found")
			metrics.RedemptionAttemptsTotal.WithLabelValues(metrics.OutcomeNotFound).Inc()
			return &model.RedemptionResult{Success: false, Error: msgNotFound}
		}
		s.logger.Error("load unlock code", zap.String("code", code), zap.Error(err))
		metrics.RedemptionAttemptsTotal.WithLabelValues(metrics.OutcomeError).Inc()
		return &model.RedemptionResult{Success: false, Error: msgInternal}
	}

	if unlockCode.Status != model.CodeStatusUnused || unlockCode.RedeemedBy != nil {
		s.registerFailure(ctx, cfg, identifiers, attempt, unlockCode.ID, "already redeemed")
		metrics.RedemptionAttemptsTotal.WithLabelValues(metrics.OutcomeConflict).Inc()
		return &model.RedemptionResult{Success: false, Error: msgAlreadyRedeemed}
	}

	err = s.repo.RedeemCode(ctx, repository.RedeemCodeParams{
		Code:              code,
		UserID:            attempt.UserID,
		IP:                ip,
		UserAgent:         userAgent,
		DeviceFingerprint: fingerprint,
		DeviceLocking:     cfg.DeviceLockingEnabled,
		IPLocking:         cfg.IPLockingEnabled,
	})
	switch {
	case err == nil:
	case errors.Is(err, repository.ErrCodeAlreadyRedeemed), errors.Is(err, repository.ErrCodeNotFound):
		// Параллельная попытка успела первой: транзакция увидела код занятым.
		s.registerFailure(ctx, cfg, identifiers, attempt, unlockCode.ID, "already redeemed")
		metrics.RedemptionAttemptsTotal.WithLabelValues(metrics.OutcomeConflict).Inc()
		return &model.RedemptionResult{Success: false, Error: msgAlreadyRedeemed}
	case errors.Is(err, repository.ErrDeviceLockMismatch):
		s.registerFailure(ctx, cfg, identifiers, attempt, unlockCode.ID, "device lock mismatch")
		metrics.RedemptionAttemptsTotal.WithLabelValues(metrics.OutcomeConflict).Inc()
		return &model.RedemptionResult{Success: false, Error: msgDeviceLocked}
	case errors.Is(err, repository.ErrIPLockMismatch):
		s.registerFailure(ctx, cfg, identifiers, attempt, unlockCode.ID, "ip lock mismatch")
		metrics.RedemptionAttemptsTotal.WithLabelValues(metrics.OutcomeConflict).Inc()
		return &model.RedemptionResult{Success: false, Error: msgIPLocked}
	default:
		s.logger.Error("redeem transaction failed", zap.String("code", code), zap.Error(err))
		metrics.RedemptionAttemptsTotal.WithLabelValues(metrics.OutcomeError).Inc()
		return &model.RedemptionResult{Success: false, Error: msgInternal}
	}

	// Успешная активация сбрасывает фрод-счётчики идентификаторов.
	if cfg.FraudDetectionEnabled {
		for _, id := range identifiers {
			if id.scope == "user" {
				continue
			}
			if err := s.limiter.ClearFailures(ctx, id.value); err != nil {
				s.logger.Warn("clear failure counter", zap.String("scope", id.scope), zap.Error(err))
			}
		}
	}

	metrics.RedemptionAttemptsTotal.WithLabelValues(metrics.OutcomeSuccess).Inc()

	return &model.RedemptionResult{Success: true, Album: album}
}

// registerFailure учитывает неуспешную попытку: расходует бюджет лимитов
// всех идентификаторов, пишет запись аудита (если код известен) и передаёт
// попытку фрод-детекции.
func (s *Service) registerFailure(ctx context.Context, cfg *model.SecurityConfig, identifiers []identifier, attempt Attempt, codeID, reason string) {
	for _, id := range identifiers {
		if err := s.limiter.RegisterAttempt(ctx, id.scope, id.value, cfg.RateLimitWindow); err != nil {
			s.logger.Warn("register attempt", zap.String("scope", id.scope), zap.Error(err))
		}
	}

	if codeID != "" {
		entry := &model.RedemptionLog{
			CodeID:            codeID,
			UserID:            attempt.UserID,
			IP:                orUnknown(attempt.IP),
			UserAgent:         orUnknown(attempt.UserAgent),
			DeviceFingerprint: orUnknown(attempt.DeviceFingerprint),
			Success:           false,
			Reason:            reason,
		}
		if err := s.repo.InsertRedemptionLog(ctx, entry); err != nil {
			s.logger.Warn("insert redemption log", zap.String("code_id", codeID), zap.Error(err))
		}
	}

	if !cfg.FraudDetectionEnabled {
		return
	}

	for _, id := range identifiers {
		if id.scope == "user" {
			continue
		}
		blocked, err := s.limiter.RegisterFailure(ctx, id.value,
			cfg.SuspiciousAttemptThreshold, cfg.RateLimitWindow,
			cfg.AutoBlockDuration, cfg.BlockSuspiciousIPs)
		if err != nil {
			s.logger.Warn("register failure", zap.String("scope", id.scope), zap.Error(err))
			continue
		}
		if blocked {
			s.logger.Warn("identifier promoted to fraud block list",
				zap.String("scope", id.scope),
				zap.String("identifier", id.value),
			)
		}
	}
}

func orUnknown(v string) string {
	if v == "" {
		return unknownValue
	}
	return v
}

func collectIdentifiers(ip, userID, fingerprint string) []identifier {
	var ids []identifier
	if ip != unknownValue {
		ids = append(ids, identifier{scope: "ip", value: ip})
	}
	if userID != "" && userID != unknownValue {
		ids = append(ids, identifier{scope: "user", value: userID})
	}
	if fingerprint != unknownValue {
		ids = append(ids, identifier{scope: "device", value: fingerprint})
	}
	return ids
}
