package db

import (
	"testing"
	"time"
)

func testTask(name string, runAt time.Time) *ScheduledTask {
	return &ScheduledTask{
		ID:        NewID(),
		TaskName:  name,
		RunAt:     runAt,
		CreatedAt: time.Now().UTC(),
		Status:    TaskPending,
	}
}

func TestEnqueueAndPendingOrder(t *testing.T) {
	database := openTestDB(t)

	now := time.Now().UTC()
	late := testTask("get_stats", now.Add(2*time.Hour))
	early := testTask("review_summary", now.Add(30*time.Minute))
	for _, task := range []*ScheduledTask{late, early} {
		if err := database.EnqueueTask(task); err != nil {
			t.Fatalf("enqueueing %s: %v", task.TaskName, err)
		}
	}

	pending, err := database.PendingTasks()
	if err != nil {
		t.Fatalf("listing pending: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending tasks, got %d", len(pending))
	}
	if pending[0].ID != early.ID {
		t.Errorf("pending[0] = %s, want earliest run_at first", pending[0].TaskName)
	}
	if pending[0].Status != TaskPending {
		t.Errorf("status = %s, want pending", pending[0].Status)
	}
}

func TestTaskParamsRoundTrip(t *testing.T) {
	database := openTestDB(t)

	task := testTask("export_chunks", time.Now().UTC())
	task.TaskParams = map[string]any{"project": "theology", "min_confidence": "sprouted"}
	if err := database.EnqueueTask(task); err != nil {
		t.Fatalf("enqueueing: %v", err)
	}

	pending, err := database.PendingTasks()
	if err != nil {
		t.Fatalf("listing pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 task, got %d", len(pending))
	}
	if pending[0].TaskParams["project"] != "theology" {
		t.Errorf("params = %v", pending[0].TaskParams)
	}
}

// Cancel succeeds exactly once for a pending task and reports failure on every
// later attempt, including after the task finishes through the normal
// lifecycle.
func TestCancelExactlyOnce(t *testing.T) {
	database := openTestDB(t)

	task := testTask("review_summary", time.Now().UTC().Add(2*time.Hour))
	if err := database.EnqueueTask(task); err != nil {
		t.Fatalf("enqueueing: %v", err)
	}

	pending, err := database.PendingTasks()
	if err != nil {
		t.Fatalf("listing pending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != task.ID {
		t.Fatalf("task not in pending list")
	}

	ok, err := database.CancelTask(task.ID)
	if err != nil {
		t.Fatalf("cancelling: %v", err)
	}
	if !ok {
		t.Fatal("first cancel should take effect")
	}

	pending, err = database.PendingTasks()
	if err != nil {
		t.Fatalf("listing pending: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("cancelled task still pending")
	}

	ok, err = database.CancelTask(task.ID)
	if err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if ok {
		t.Error("second cancel should report failure")
	}
}

func TestCancelNonPendingIsNoop(t *testing.T) {
	database := openTestDB(t)

	for _, status := range []string{TaskRunning, TaskCompleted, TaskFailed} {
		task := testTask("get_stats", time.Now().UTC())
		if err := database.EnqueueTask(task); err != nil {
			t.Fatalf("enqueueing: %v", err)
		}
		if err := database.SetTaskStatus(task.ID, status); err != nil {
			t.Fatalf("setting status: %v", err)
		}
		ok, err := database.CancelTask(task.ID)
		if err != nil {
			t.Fatalf("cancelling %s task: %v", status, err)
		}
		if ok {
			t.Errorf("cancel took effect on %s task", status)
		}
	}
}

func TestAppendTaskRun(t *testing.T) {
	database := openTestDB(t)

	task := testTask("review_summary", time.Now().UTC())
	if err := database.EnqueueTask(task); err != nil {
		t.Fatalf("enqueueing: %v", err)
	}

	result := "## Review Summary"
	if err := database.AppendTaskRun(task.ID, task.TaskName, TaskCompleted, &result); err != nil {
		t.Fatalf("appending run: %v", err)
	}
	errText := "store unavailable"
	if err := database.AppendTaskRun(task.ID, task.TaskName, TaskFailed, &errText); err != nil {
		t.Fatalf("appending run: %v", err)
	}

	runs, err := database.TaskRuns(task.ID)
	if err != nil {
		t.Fatalf("listing runs: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	if runs[0].Status != TaskCompleted || runs[0].Result == nil || *runs[0].Result != result {
		t.Errorf("first run = %+v", runs[0])
	}
	if runs[1].Status != TaskFailed {
		t.Errorf("second run status = %s, want failed", runs[1].Status)
	}
	if runs[0].ID >= runs[1].ID {
		t.Errorf("run ids not ascending: %d, %d", runs[0].ID, runs[1].ID)
	}
}
