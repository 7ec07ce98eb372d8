package jobs

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/Ananth-NQI/whatsapp-engine/internal/storage"
)

// retentionHour is when the daily message purge runs, local time
const retentionHour = 3

// MaintenanceJob closes expired sessions and purges old messages
type MaintenanceJob struct {
	store         storage.Store
	sweepInterval time.Duration
	retentionDays int
	now           func() time.Time

	mu        sync.Mutex
	isRunning bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewMaintenanceJob creates the scheduler. retentionDays <= 0 keeps messages forever.
func NewMaintenanceJob(store storage.Store, sweepInterval time.Duration, retentionDays int) *MaintenanceJob {
	if sweepInterval <= 0 {
		sweepInterval = 5 * time.Minute
	}
	return &MaintenanceJob{
		store:         store,
		sweepInterval: sweepInterval,
		retentionDays: retentionDays,
		now:           time.Now,
	}
}

// Start begins all scheduled jobs
func (j *MaintenanceJob) Start(ctx context.Context) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.isRunning {
		log.Println("Maintenance jobs already running")
		return
	}

	ctx, j.cancel = context.WithCancel(ctx)
	j.isRunning = true
	log.Println("Starting scheduled maintenance jobs...")

	j.wg.Add(1)
	go j.scheduleSessionSweep(ctx)

	if j.retentionDays > 0 {
		j.wg.Add(1)
		go j.scheduleMessageRetention(ctx)
	}
}

// Stop halts all scheduled jobs and waits for them to return
func (j *MaintenanceJob) Stop() {
	j.mu.Lock()
	if !j.isRunning {
		j.mu.Unlock()
		return
	}
	j.isRunning = false
	j.cancel()
	j.mu.Unlock()

	log.Println("Stopping scheduled maintenance jobs...")
	j.wg.Wait()
}

// 1. SESSION SWEEP - Runs every sweep interval
func (j *MaintenanceJob) scheduleSessionSweep(ctx context.Context) {
	defer j.wg.Done()

	ticker := time.NewTicker(j.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.SweepSessions(ctx)
		}
	}
}

// SweepSessions marks every active session past its expiry as expired
func (j *MaintenanceJob) SweepSessions(ctx context.Context) int64 {
	expired, err := j.store.ExpireStaleSessions(ctx, j.now())
	if err != nil {
		log.Printf("Error expiring sessions: %v", err)
		return 0
	}
	if expired > 0 {
		log.Printf("⏰ Expired %d stale sessions", expired)
	}
	return expired
}

// 2. MESSAGE RETENTION - Runs daily at 3 AM
func (j *MaintenanceJob) scheduleMessageRetention(ctx context.Context) {
	defer j.wg.Done()

	for {
		wait := nextRun(j.now(), retentionHour).Sub(j.now())
		log.Printf("Next message purge scheduled in %v", wait.Round(time.Minute))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			j.PurgeMessages(ctx)
		}
	}
}

// PurgeMessages deletes messages older than the retention window
func (j *MaintenanceJob) PurgeMessages(ctx context.Context) int64 {
	if j.retentionDays <= 0 {
		return 0
	}

	cutoff := j.now().AddDate(0, 0, -j.retentionDays)
	deleted, err := j.store.DeleteMessagesBefore(ctx, cutoff)
	if err != nil {
		log.Printf("Error purging messages: %v", err)
		return 0
	}
	log.Printf("🧹 Purged %d messages older than %d days", deleted, j.retentionDays)
	return deleted
}

// nextRun returns the next time after now at hour:00
func nextRun(now time.Time, hour int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
