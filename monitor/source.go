package monitor

import "time"

// Checkable is the schedule-monitoring view of a task or workflow
type Checkable struct {
	ID                     string
	Name                   string
	Schedule               string
	ScheduleUpdatedAt      *time.Time
	MaxConcurrency         *int
	ScheduledInstanceCount int
}

// CheckableSource enumerates the schedulables of one entity kind for the
// compliance checker
type CheckableSource interface {
	Kind() string
	EnumerateCheckable() ([]Checkable, error)
}

// TaskSource adapts the task store to CheckableSource
type TaskSource struct {
	store *TaskStore
}

// NewTaskSource creates a task-backed checkable source
func NewTaskSource(store *TaskStore) *TaskSource {
	return &TaskSource{store: store}
}

// Kind returns the task entity kind
func (s *TaskSource) Kind() string { return EntityKindTask }

// EnumerateCheckable returns all enabled, scheduled tasks
func (s *TaskSource) EnumerateCheckable() ([]Checkable, error) {
	tasks, err := s.store.ListEnabledScheduled()
	if err != nil {
		return nil, err
	}
	items := make([]Checkable, 0, len(tasks))
	for _, t := range tasks {
		items = append(items, checkableOf(t.Schedulable))
	}
	return items, nil
}

// WorkflowSource adapts the workflow store to CheckableSource
type WorkflowSource struct {
	store *WorkflowStore
}

// NewWorkflowSource creates a workflow-backed checkable source
func NewWorkflowSource(store *WorkflowStore) *WorkflowSource {
	return &WorkflowSource{store: store}
}

// Kind returns the workflow entity kind
func (s *WorkflowSource) Kind() string { return EntityKindWorkflow }

// EnumerateCheckable returns all enabled, scheduled workflows
func (s *WorkflowSource) EnumerateCheckable() ([]Checkable, error) {
	workflows, err := s.store.ListEnabledScheduled()
	if err != nil {
		return nil, err
	}
	items := make([]Checkable, 0, len(workflows))
	for _, wf := range workflows {
		items = append(items, checkableOf(wf.Schedulable))
	}
	return items, nil
}

func checkableOf(s Schedulable) Checkable {
	return Checkable{
		ID:                     s.ID,
		Name:                   s.Name,
		Schedule:               s.Schedule,
		ScheduleUpdatedAt:      s.ScheduleUpdatedAt,
		MaxConcurrency:         s.MaxConcurrency,
		ScheduledInstanceCount: s.ScheduledInstanceCount,
	}
}
