package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func postJob(t *testing.T, handler http.Handler, config JobConfig) *httptest.ResponseRecorder {
	t.Helper()
	body, _ := json.Marshal(config)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", bytes.NewReader(body))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

// waitForJob polls until the job reaches a final state
func waitForJob(t *testing.T, jm *JobManager, id string) *Job {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		job, ok := jm.GetJob(id)
		if ok && job.State.Done() {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Job %s did not finish in time", id)
	return nil
}

func TestServer_CreateJob(t *testing.T) {
	s := NewServer(":8080", t.TempDir())
	defer s.Shutdown(context.Background())

	w := postJob(t, s.Handler(), JobConfig{ConfigPath: writeConfig(t, abcConfig)})

	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", w.Code, w.Body.String())
	}

	var job Job
	if err := json.NewDecoder(w.Body).Decode(&job); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if job.ID == "" {
		t.Error("Job ID should not be empty")
	}
	if job.State != StatePending {
		t.Errorf("Expected pending state, got %s", job.State)
	}

	final := waitForJob(t, s.jobManager, job.ID)
	if final.State != StateCompleted {
		t.Errorf("Expected completed state, got %s (%s)", final.State, final.Error)
	}
}

func TestServer_CreateJob_Validation(t *testing.T) {
	s := NewServer(":8080", t.TempDir())
	handler := s.Handler()

	tests := []struct {
		name   string
		config JobConfig
	}{
		{"missing config path", JobConfig{}},
		{"missing config file", JobConfig{ConfigPath: "/nonexistent/calib.yaml"}},
		{"invalid config", JobConfig{ConfigPath: writeConfig(t, "name: empty\n")}},
		{"negative workers", JobConfig{ConfigPath: writeConfig(t, abcConfig), Workers: -1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := postJob(t, handler, tt.config)
			if w.Code != http.StatusBadRequest {
				t.Errorf("Expected status 400, got %d", w.Code)
			}
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", strings.NewReader("{"))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for invalid JSON, got %d", w.Code)
	}

	if len(s.jobManager.ListJobs()) != 0 {
		t.Error("Rejected requests should not create jobs")
	}
}

func TestServer_ListJobs(t *testing.T) {
	s := NewServer(":8080", t.TempDir())

	s.jobManager.CreateJob(JobConfig{ConfigPath: "a.yaml"})
	s.jobManager.CreateJob(JobConfig{ConfigPath: "b.yaml"})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil)
	w := httptest.NewRecorder()

	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	var jobs []*Job
	if err := json.NewDecoder(w.Body).Decode(&jobs); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if len(jobs) != 2 {
		t.Errorf("Expected 2 jobs, got %d", len(jobs))
	}
}

func TestServer_GetJobStatus(t *testing.T) {
	s := NewServer(":8080", t.TempDir())

	job := s.jobManager.CreateJob(JobConfig{ConfigPath: "calib.yaml"})

	for _, path := range []string{"/api/v1/jobs/%s", "/api/v1/jobs/%s/status"} {
		req := httptest.NewRequest(http.MethodGet, fmt.Sprintf(path, job.ID), nil)
		w := httptest.NewRecorder()

		s.Handler().ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("Expected status 200, got %d", w.Code)
		}

		var response map[string]interface{}
		if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
			t.Fatalf("Failed to decode response: %v", err)
		}

		if response["id"] != job.ID {
			t.Error("Response should contain job ID")
		}
		if response["state"] != string(StatePending) {
			t.Errorf("Expected pending state, got %v", response["state"])
		}
		if response["bestObjective"] != nil {
			t.Errorf("Pending job should have no best objective, got %v", response["bestObjective"])
		}
	}
}

func TestServer_GetJobStatus_NotFound(t *testing.T) {
	s := NewServer(":8080", t.TempDir())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/nonexistent/status", nil)
	w := httptest.NewRecorder()

	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}

func TestServer_GetJobResult(t *testing.T) {
	s := NewServer(":8080", t.TempDir())
	handler := s.Handler()

	job := s.jobManager.CreateJob(JobConfig{ConfigPath: "calib.yaml"})
	req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/v1/jobs/%s/result", job.ID), nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusConflict {
		t.Errorf("Expected status 409 before completion, got %d", w.Code)
	}

	done := s.jobManager.CreateJob(JobConfig{ConfigPath: writeConfig(t, abcConfig)})
	if err := runJob(context.Background(), s.jobManager, s.outDir, done.ID); err != nil {
		t.Fatalf("runJob should succeed: %v", err)
	}

	req = httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/v1/jobs/%s/result", done.ID), nil)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	var result map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if result["best_objective"] != -6.0 {
		t.Errorf("Expected best objective -6, got %v", result["best_objective"])
	}
}

func TestServer_CancelJob(t *testing.T) {
	s := NewServer(":8080", t.TempDir())
	handler := s.Handler()

	job := s.jobManager.CreateJob(JobConfig{ConfigPath: "calib.yaml"})
	ctx, cancel := context.WithCancel(context.Background())
	s.jobManager.setCancel(job.ID, cancel)

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/jobs/"+job.ID, nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusAccepted {
		t.Errorf("Expected status 202, got %d", w.Code)
	}
	if ctx.Err() == nil {
		t.Error("Job context should be cancelled")
	}

	markJobCancelled(s.jobManager, job.ID)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/api/v1/jobs/"+job.ID, nil))
	if w.Code != http.StatusConflict {
		t.Errorf("Expected status 409 for finished job, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/api/v1/jobs/nonexistent", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}

func TestServer_Routing(t *testing.T) {
	s := NewServer(":8080", t.TempDir())
	handler := s.Handler()
	job := s.jobManager.CreateJob(JobConfig{ConfigPath: "calib.yaml"})

	tests := []struct {
		method string
		path   string
		code   int
	}{
		{http.MethodPut, "/api/v1/jobs", http.StatusMethodNotAllowed},
		{http.MethodPost, "/api/v1/jobs/" + job.ID, http.StatusMethodNotAllowed},
		{http.MethodGet, "/api/v1/jobs/", http.StatusBadRequest},
		{http.MethodGet, "/api/v1/jobs/" + job.ID + "/best.png", http.StatusNotFound},
		{http.MethodOptions, "/api/v1/jobs", http.StatusOK},
	}

	for _, tt := range tests {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(tt.method, tt.path, nil))
		if w.Code != tt.code {
			t.Errorf("%s %s: expected status %d, got %d", tt.method, tt.path, tt.code, w.Code)
		}
		if got := w.Header().Get("Access-Control-Allow-Methods"); !strings.Contains(got, "DELETE") {
			t.Errorf("CORS header should allow DELETE, got %q", got)
		}
	}
}

func TestServer_JobStream_SSE(t *testing.T) {
	s := NewServer(":8080", t.TempDir())

	job := s.jobManager.CreateJob(JobConfig{ConfigPath: "calib.yaml"})
	s.jobManager.UpdateJob(job.ID, func(j *Job) { j.State = StateRunning })

	// The cached event is replayed to the new subscriber and ends the stream
	best := -6.0
	s.jobManager.broadcaster.Broadcast(ProgressEvent{
		JobID:         job.ID,
		State:         StateCompleted,
		Step:          3,
		Evaluations:   11,
		BestObjective: &best,
		Timestamp:     time.Now(),
	})

	req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/v1/jobs/%s/stream", job.ID), nil)
	w := httptest.NewRecorder()

	done := make(chan bool)
	go func() {
		s.Handler().ServeHTTP(w, req)
		done <- true
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Stream should end after the final event")
	}

	if w.Header().Get("Content-Type") != "text/event-stream" {
		t.Error("Expected text/event-stream content type")
	}

	var events []ProgressEvent
	for _, line := range strings.Split(w.Body.String(), "\n") {
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var event ProgressEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			t.Fatalf("Failed to parse event %q: %v", data, err)
		}
		events = append(events, event)
	}

	if len(events) != 2 {
		t.Fatalf("Expected 2 events, got %d", len(events))
	}
	if events[0].State != StateRunning {
		t.Errorf("First event should report running, got %s", events[0].State)
	}
	if events[1].Evaluations != 11 || events[1].BestObjective == nil || *events[1].BestObjective != -6 {
		t.Errorf("Unexpected final event: %+v", events[1])
	}
}

func TestServer_JobStream_FinishedJob(t *testing.T) {
	s := NewServer(":8080", t.TempDir())
	job := s.jobManager.CreateJob(JobConfig{ConfigPath: "calib.yaml"})
	markJobFailed(s.jobManager, job.ID, fmt.Errorf("boom"))

	req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/v1/jobs/%s/stream", job.ID), nil)
	w := httptest.NewRecorder()
	s.handleJobStream(w, req, job.ID)

	if strings.Count(w.Body.String(), "data:") != 1 {
		t.Errorf("Finished job should produce a single event, got %q", w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"error":"boom"`) {
		t.Error("Event should carry the error message")
	}
}

func TestServer_JobStream_NotFound(t *testing.T) {
	s := NewServer(":8080", t.TempDir())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/nonexistent/stream", nil)
	w := httptest.NewRecorder()

	s.handleJobStream(w, req, "nonexistent")

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}

func TestEventBroadcaster(t *testing.T) {
	eb := NewEventBroadcaster()

	ch := eb.Subscribe("job1")
	defer eb.Unsubscribe("job1", ch)

	best := 100.5
	event := ProgressEvent{
		JobID:         "job1",
		State:         StateRunning,
		Step:          2,
		Evaluations:   10,
		BestObjective: &best,
		Timestamp:     time.Now(),
	}
	eb.Broadcast(event)

	select {
	case received := <-ch:
		if received.JobID != "job1" {
			t.Errorf("Expected jobID job1, got %s", received.JobID)
		}
		if received.Evaluations != 10 {
			t.Errorf("Expected 10 evaluations, got %d", received.Evaluations)
		}
	case <-time.After(1 * time.Second):
		t.Error("Timeout waiting for event")
	}

	// Cleanup closes the channel, the deferred Unsubscribe must tolerate it
	eb.CleanupJob("job1")
	if _, ok := <-ch; ok {
		t.Error("Channel should be closed after cleanup")
	}
}

func TestEventBroadcaster_ConcurrentBroadcast(t *testing.T) {
	eb := NewEventBroadcaster()
	ch := eb.Subscribe("job1")
	defer eb.Unsubscribe("job1", ch)

	done := make(chan bool)
	for i := 0; i < 4; i++ {
		go func(step int) {
			eb.Broadcast(ProgressEvent{JobID: "job1", Step: step})
			done <- true
		}(i)
	}
	for i := 0; i < 4; i++ {
		<-done
	}
}
