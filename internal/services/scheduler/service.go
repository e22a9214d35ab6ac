package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"gorm.io/gorm"

	"meetaudio-desktop/internal/models"
)

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Service runs housekeeping jobs on CRON schedules and keeps their run
// times in the maintenance_jobs table
type Service struct {
	db     *gorm.DB
	ctx    context.Context
	cron   *cron.Cron
	jobs   map[string]cron.EntryID // job name -> cron entry ID
	runs   map[string]RunFunc
	jobsMu sync.RWMutex
}

// NewService creates a new scheduler service
func NewService(db *gorm.DB, ctx context.Context) *Service {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Service{
		db:   db,
		ctx:  ctx,
		cron: cron.New(cron.WithSeconds()),
		jobs: make(map[string]cron.EntryID),
		runs: make(map[string]RunFunc),
	}
}

// Register adds or updates a job. An existing row keeps its enabled flag so
// a job switched off by the user stays off across restarts.
func (s *Service) Register(name, cronExpr string, run RunFunc) error {
	if name == "" || run == nil {
		return fmt.Errorf("job name and function are required")
	}
	normalized, err := normalizeCron(cronExpr)
	if err != nil {
		return err
	}

	var job models.MaintenanceJob
	err = s.db.First(&job, "name = ?", name).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		job = models.MaintenanceJob{Name: name, Enabled: true}
	case err != nil:
		return fmt.Errorf("failed to query job: %w", err)
	}

	job.Cron = normalized
	if schedule, err := cronParser.Parse(normalized); err == nil {
		next := schedule.Next(time.Now())
		job.NextRunAt = &next
	}
	if err := s.db.Save(&job).Error; err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}

	s.jobsMu.Lock()
	s.runs[name] = run
	s.jobsMu.Unlock()

	return s.scheduleJob(&job)
}

// Start starts the cron loop
func (s *Service) Start() {
	s.cron.Start()
	s.jobsMu.RLock()
	n := len(s.jobs)
	s.jobsMu.RUnlock()
	log.Printf("Scheduler started with %d enabled jobs", n)
}

// Stop gracefully stops the scheduler, waiting for running jobs
func (s *Service) Stop() {
	if s.cron != nil {
		ctx := s.cron.Stop()
		<-ctx.Done()
		log.Println("Scheduler stopped")
	}
}

// ListJobs retrieves all maintenance jobs
func (s *Service) ListJobs() ([]JobListResponse, error) {
	var jobs []models.MaintenanceJob
	if err := s.db.Order("name").Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	responses := make([]JobListResponse, len(jobs))
	for i := range jobs {
		responses[i] = toJobListResponse(&jobs[i])
	}
	return responses, nil
}

// SetEnabled switches a job on or off
func (s *Service) SetEnabled(name string, enabled bool) error {
	var job models.MaintenanceJob
	if err := s.db.First(&job, "name = ?", name).Error; err != nil {
		return fmt.Errorf("failed to load job %s: %w", name, err)
	}
	job.Enabled = enabled
	if err := s.db.Save(&job).Error; err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	return s.scheduleJob(&job)
}

// RunNow executes a job immediately, outside its schedule
func (s *Service) RunNow(name string) (string, error) {
	return s.executeJob(name)
}

// scheduleJob (re)adds a job to the cron scheduler, or removes it when disabled
func (s *Service) scheduleJob(job *models.MaintenanceJob) error {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	if entryID, exists := s.jobs[job.Name]; exists {
		s.cron.Remove(entryID)
		delete(s.jobs, job.Name)
	}
	if !job.Enabled {
		return nil
	}

	name := job.Name
	entryID, err := s.cron.AddFunc(job.Cron, func() {
		if _, err := s.executeJob(name); err != nil {
			log.Printf("ERROR: Scheduled job %s failed: %v", name, err)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to add cron job: %w", err)
	}
	s.jobs[name] = entryID
	return nil
}

func (s *Service) executeJob(name string) (string, error) {
	s.jobsMu.RLock()
	run, ok := s.runs[name]
	s.jobsMu.RUnlock()
	if !ok {
		return "", fmt.Errorf("unknown job: %s", name)
	}

	log.Printf("Executing scheduled job: %s", name)
	summary, runErr := run(s.ctx)

	var job models.MaintenanceJob
	if err := s.db.First(&job, "name = ?", name).Error; err != nil {
		log.Printf("WARNING: Failed to load job %s: %v", name, err)
		return summary, runErr
	}

	now := time.Now()
	job.LastRunAt = &now
	if schedule, err := cronParser.Parse(job.Cron); err != nil {
		log.Printf("WARNING: Failed to parse cron for next run: %v", err)
	} else {
		next := schedule.Next(now)
		job.NextRunAt = &next
	}
	job.LastResult = summary
	if runErr != nil {
		job.LastResult = "error: " + runErr.Error()
	}
	if err := s.db.Save(&job).Error; err != nil {
		log.Printf("WARNING: Failed to update job run times: %v", err)
	}

	if runErr == nil {
		log.Printf("Completed scheduled job %s: %s", name, summary)
	}
	return summary, runErr
}

// normalizeCron converts 5-field cron to 6-field format by prepending seconds
// 5-field: "minute hour day month dow" (standard cron)
// 6-field: "second minute hour day month dow" (robfig/cron with WithSeconds)
// Descriptors such as "@daily" or "@every 1h" pass through unchanged.
func normalizeCron(cronExpr string) (string, error) {
	cronExpr = strings.TrimSpace(cronExpr)

	if strings.HasPrefix(cronExpr, "@") {
		if _, err := cronParser.Parse(cronExpr); err != nil {
			return "", fmt.Errorf("invalid cron expression: %w", err)
		}
		return cronExpr, nil
	}

	fields := strings.Fields(cronExpr)
	if len(fields) == 6 {
		if _, err := cronParser.Parse(cronExpr); err == nil {
			return cronExpr, nil
		}
	}

	if len(fields) == 5 {
		if _, err := cron.ParseStandard(cronExpr); err != nil {
			return "", fmt.Errorf("invalid 5-field cron expression: %w", err)
		}
		// run at second 0 of the minute
		return "0 " + cronExpr, nil
	}

	return "", fmt.Errorf("invalid cron expression: expected 5 or 6 fields, got %d", len(fields))
}

func toJobListResponse(job *models.MaintenanceJob) JobListResponse {
	resp := JobListResponse{
		Name:       job.Name,
		Cron:       job.Cron,
		Enabled:    job.Enabled,
		LastResult: job.LastResult,
		CreatedAt:  job.CreatedAt.Format(time.RFC3339),
		UpdatedAt:  job.UpdatedAt.Format(time.RFC3339),
	}

	if job.LastRunAt != nil {
		lastRun := job.LastRunAt.Format(time.RFC3339)
		resp.LastRunAt = &lastRun
	}
	if job.NextRunAt != nil {
		nextRun := job.NextRunAt.Format(time.RFC3339)
		resp.NextRun = &nextRun
	}
	return resp
}
