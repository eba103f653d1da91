package scheduler

import (
	"fmt"
	"log"
	"time"

	"github.com/go-co-op/gocron"
)

// Task is one periodic maintenance job. Handler errors are logged; the
// schedule keeps running and the next interval retries.
type Task struct {
	Name        string
	Description string
	Interval    time.Duration
	Enabled     bool
	Handler     func() error
}

// SchedulerService manages all scheduled tasks
type SchedulerService struct {
	scheduler       *gocron.Scheduler
	registeredTasks map[string]Task
}

// NewSchedulerService creates a new scheduler service
func NewSchedulerService() *SchedulerService {
	return &SchedulerService{
		scheduler:       gocron.NewScheduler(time.UTC),
		registeredTasks: make(map[string]Task),
	}
}

// Start begins running the scheduler
func (s *SchedulerService) Start() {
	log.Println("Starting scheduler service...")
	s.scheduler.StartAsync()
}

// Stop halts all scheduled jobs
func (s *SchedulerService) Stop() {
	log.Println("Stopping scheduler service...")
	s.scheduler.Stop()
}

// RegisterTasks sets up a group of tasks, skipping disabled ones.
func (s *SchedulerService) RegisterTasks(tasks []Task) {
	for _, task := range tasks {
		if !task.Enabled {
			log.Printf("Skipping disabled task: %s", task.Name)
			continue
		}
		s.registerTask(task)
	}

	log.Printf("Registered %d scheduled tasks", len(s.registeredTasks))
}

func (s *SchedulerService) registerTask(task Task) {
	s.registeredTasks[task.Name] = task

	job, err := s.scheduler.Every(task.Interval).Do(func() {
		log.Printf("Running scheduled task: %s - %s", task.Name, task.Description)

		if err := task.Handler(); err != nil {
			log.Printf("Error in task %s: %v", task.Name, err)
		} else {
			log.Printf("Task %s completed successfully", task.Name)
		}
	})

	if err != nil {
		log.Printf("Error scheduling task %s: %v", task.Name, err)
		return
	}

	job.Tag(task.Name)

	log.Printf("Registered task: %s (every %v)", task.Name, task.Interval)
}

// ListTasks returns all registered tasks
func (s *SchedulerService) ListTasks() []Task {
	tasks := make([]Task, 0, len(s.registeredTasks))
	for _, task := range s.registeredTasks {
		tasks = append(tasks, task)
	}
	return tasks
}

// RunTaskNow runs a task immediately by name
func (s *SchedulerService) RunTaskNow(name string) error {
	task, exists := s.registeredTasks[name]
	if !exists {
		return fmt.Errorf("task %s not found", name)
	}

	return task.Handler()
}
