// Package scheduler fires device commands on cron schedules.
package scheduler

import (
	"log"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"kraken-controller/internal/core"
)

// ScheduleEntry is one configured schedule.
type ScheduleEntry struct {
	ID      int       `json:"id"`
	Spec    string    `json:"spec"`
	Command string    `json:"command"`
	Next    time.Time `json:"next"`
}

// Scheduler manages all cron-related tasks.
type Scheduler struct {
	cron           *cron.Cron
	store          map[cron.EntryID]ScheduleEntry
	commandChannel core.CommandChannel
	mu             sync.RWMutex
}

// NewScheduler creates a scheduler that sends fired commands to cmdChan.
func NewScheduler(cmdChan core.CommandChannel) *Scheduler {
	return &Scheduler{
		cron:           cron.New(),
		store:          make(map[cron.EntryID]ScheduleEntry),
		commandChannel: cmdChan,
	}
}

// Start begins the cron job ticker.
func (s *Scheduler) Start() {
	s.cron.Start()
	log.Println("[Scheduler] Started.")
}

// Stop halts the cron job ticker and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	log.Println("[Scheduler] Stopped.")
}

// Add parses command and registers it under spec. Nothing is registered if
// either is invalid.
func (s *Scheduler) Add(spec, command string) (int, error) {
	cmd, err := ParseCommand(command)
	if err != nil {
		return 0, err
	}
	cmd.Source = "schedule"

	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.cron.AddFunc(spec, func() { s.execute(command, cmd) })
	if err != nil {
		return 0, err
	}
	s.store[id] = ScheduleEntry{ID: int(id), Spec: spec, Command: command}
	log.Printf("[Scheduler] Added schedule (ID %d): %s -> %s", id, spec, command)
	return int(id), nil
}

// Remove deletes a cron job.
func (s *Scheduler) Remove(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entryID := cron.EntryID(id)
	s.cron.Remove(entryID)
	delete(s.store, entryID)
	log.Printf("[Scheduler] Removed schedule (ID %d)", id)
}

// GetAll returns the schedules ordered by ID, with their next fire time.
func (s *Scheduler) GetAll() []ScheduleEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ScheduleEntry, 0, len(s.store))
	for id, e := range s.store {
		e.Next = s.cron.Entry(id).Next
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Scheduler) execute(text string, cmd core.Command) {
	log.Printf("[Scheduler] Executing scheduled command: %s", text)
	select {
	case s.commandChannel <- cmd:
	default:
		log.Printf("[Scheduler] Command channel full, dropped: %s", text)
	}
}
