/**
 * @description
 * Scheduled job implementations for the charge-service: the auto-deduct sweep
 * and the recurring occurrence generation run, each fanned out per user.
 */
package app

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/moneta-app/charge-service/internal/domain"
)

// UserSource lists the users a batch run should cover.
type UserSource interface {
	ListUsersWithPaidRecurringCharges(ctx context.Context) ([]uuid.UUID, error)
	ListUsersWithAutoDeductCharges(ctx context.Context) ([]uuid.UUID, error)
}

// BatchRunner runs the per-user batch operations.
type BatchRunner interface {
	ProcessRecurringCharges(ctx context.Context, userID uuid.UUID) (domain.BatchResult, error)
	RunAutoDeduct(ctx context.Context, userID uuid.UUID) (domain.BatchResult, error)
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	users   UserSource
	service BatchRunner
	logger  *slog.Logger
}

// NewJobs creates a new Jobs runner.
func NewJobs(users UserSource, service BatchRunner, logger *slog.Logger) *Jobs {
	return &Jobs{
		users:   users,
		service: service,
		logger:  logger,
	}
}

// RunAutoDeductSweep pays every eligible auto-deduct charge across all users.
// One user's failure never stops the sweep.
func (j *Jobs) RunAutoDeductSweep() {
	j.logger.Info("starting auto-deduct sweep")
	ctx := context.Background()

	userIDs, err := j.users.ListUsersWithAutoDeductCharges(ctx)
	if err != nil {
		j.logger.Error("failed to list users with auto-deduct charges", "error", err)
		return
	}
	if len(userIDs) == 0 {
		j.logger.Info("no users with auto-deduct charges")
		return
	}

	for _, userID := range userIDs {
		result, err := j.service.RunAutoDeduct(ctx, userID)
		if err != nil {
			j.logger.Error("auto-deduct sweep failed for user", "user_id", userID, "error", err)
			continue
		}
		if len(result.Errors) > 0 {
			j.logger.Warn("auto-deduct sweep finished with item errors", "user_id", userID, "processed", result.Processed, "errors", result.Errors)
			continue
		}
		if result.Processed > 0 {
			j.logger.Info("auto-deduct sweep paid charges", "user_id", userID, "processed", result.Processed)
		}
	}

	j.logger.Info("auto-deduct sweep finished")
}

// RunOccurrenceGeneration generates the next occurrence for every paid,
// recurring charge across all users.
func (j *Jobs) RunOccurrenceGeneration() {
	j.logger.Info("starting occurrence generation run")
	ctx := context.Background()

	userIDs, err := j.users.ListUsersWithPaidRecurringCharges(ctx)
	if err != nil {
		j.logger.Error("failed to list users with paid recurring charges", "error", err)
		return
	}
	if len(userIDs) == 0 {
		j.logger.Info("no users with paid recurring charges")
		return
	}

	for _, userID := range userIDs {
		result, err := j.service.ProcessRecurringCharges(ctx, userID)
		if err != nil {
			j.logger.Error("occurrence generation failed for user", "user_id", userID, "error", err)
			continue
		}
		if len(result.Errors) > 0 {
			j.logger.Warn("occurrence generation finished with item errors", "user_id", userID, "processed", result.Processed, "errors", result.Errors)
			continue
		}
		if result.Processed > 0 {
			j.logger.Info("occurrence generation processed charges", "user_id", userID, "processed", result.Processed)
		}
	}

	j.logger.Info("occurrence generation run finished")
}
