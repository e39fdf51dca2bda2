package trigger

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/ryu-qqq/crawlinghub/internal/crawl"
	"github.com/ryu-qqq/crawlinghub/internal/logging"
)

// Schedule binds one scheduler to a cron expression and the first fetch unit
// of its crawl cycle. Pagination follow-up extends the cycle from page 1.
type Schedule struct {
	SchedulerID int64
	SellerID    int64
	TaskType    crawl.TaskType
	ItemNo      string
	Cron        string
}

// Scheduler fires coordinator triggers on cron schedules. Contended and
// duplicate results are normal ticks; only infrastructure errors are logged
// at error level.
type Scheduler struct {
	coordinator *Coordinator
	cron        *cron.Cron
	logger      *zap.Logger
}

// NewScheduler constructs a Scheduler with second-precision disabled
// (standard five-field cron expressions).
func NewScheduler(coordinator *Coordinator, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		coordinator: coordinator,
		cron:        cron.New(),
		logger:      logger,
	}
}

// Register adds a schedule entry. The tick carries a fresh trace identifier
// so all work caused by one tick logs under the same ID.
func (s *Scheduler) Register(schedule Schedule) error {
	req, err := firstUnit(schedule)
	if err != nil {
		return err
	}
	_, err = s.cron.AddFunc(schedule.Cron, func() {
		ctx := logging.WithTraceID(context.Background(), uuid.NewString())
		result, tErr := s.coordinator.Trigger(ctx, req)
		log := logging.WithTrace(ctx, s.logger).With(zap.Int64("scheduler_id", schedule.SchedulerID))
		if tErr != nil {
			log.Error("scheduled trigger failed", zap.Error(tErr))
			return
		}
		log.Debug("scheduled trigger tick", zap.String("state", string(result.State)))
	})
	if err != nil {
		return fmt.Errorf("register schedule %d: %w", schedule.SchedulerID, err)
	}
	return nil
}

func firstUnit(schedule Schedule) (Request, error) {
	req := Request{
		SchedulerID: schedule.SchedulerID,
		SellerID:    schedule.SellerID,
		TaskType:    schedule.TaskType,
	}
	switch schedule.TaskType {
	case crawl.TaskTypeMiniShop:
		page := 1
		req.PageNumber = &page
	case crawl.TaskTypeProductDetail:
		if schedule.ItemNo == "" {
			return Request{}, crawl.NewValidationError("item_no", "required for PRODUCT_DETAIL schedules")
		}
		item := schedule.ItemNo
		req.ItemNo = &item
	default:
		return Request{}, crawl.NewValidationError("task_type", fmt.Sprintf("unknown type %q", schedule.TaskType))
	}
	return req, nil
}

// Start launches the cron runner.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts scheduling and waits for running ticks to finish.
func (s *Scheduler) Stop() context.Context { return s.cron.Stop() }
