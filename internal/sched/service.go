// Package sched runs the periodic maintenance jobs: state auto-save,
// retention sweeps, and model-catalog refreshes.
package sched

import (
	"fmt"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// JobState records the most recent outcome of one job.
type JobState struct {
	LastRun    time.Time `json:"last_run"`
	LastStatus string    `json:"last_status"`
	LastError  string    `json:"last_error,omitempty"`
	Runs       int       `json:"runs"`
}

type Service struct {
	cron *rcron.Cron
	log  zerolog.Logger

	mu     sync.Mutex
	states map[string]JobState
}

func NewService(log zerolog.Logger) *Service {
	return &Service{
		cron:   rcron.New(),
		log:    log,
		states: make(map[string]JobState),
	}
}

// Add schedules a job. Spec takes the cron package's syntax, including
// "@every 5m" style intervals.
func (s *Service) Add(name, spec string, run func() error) error {
	_, err := s.cron.AddFunc(spec, func() {
		s.runJob(name, run)
	})
	if err != nil {
		return fmt.Errorf("schedule %s (%s): %w", name, spec, err)
	}
	s.log.Info().Str("job", name).Str("spec", spec).Msg("job scheduled")
	return nil
}

func (s *Service) runJob(name string, run func() error) {
	s.log.Debug().Str("job", name).Msg("running")
	err := run()

	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.states[name]
	state.LastRun = time.Now()
	state.Runs++
	if err != nil {
		state.LastStatus = "error"
		state.LastError = err.Error()
		s.log.Error().Err(err).Str("job", name).Msg("job failed")
	} else {
		state.LastStatus = "ok"
		state.LastError = ""
	}
	s.states[name] = state
}

func (s *Service) Start() {
	s.cron.Start()
	s.log.Info().Int("jobs", len(s.cron.Entries())).Msg("started")
}

// Stop halts scheduling and waits briefly for running jobs to finish.
func (s *Service) Stop() {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(5 * time.Second):
		s.log.Warn().Msg("stop timeout waiting for running jobs")
	}
	s.log.Info().Msg("stopped")
}

// States returns a copy of every job's last outcome.
func (s *Service) States() map[string]JobState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]JobState, len(s.states))
	for name, state := range s.states {
		out[name] = state
	}
	return out
}
