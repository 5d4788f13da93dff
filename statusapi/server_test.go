package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/vinayprograms/ftcoll/reduce"
	"github.com/vinayprograms/ftcoll/results"
	"github.com/vinayprograms/ftcoll/scheduler"
	"github.com/vinayprograms/ftcoll/tasks"
)

type fakeScheduler struct {
	status  scheduler.Status
	results *results.MemoryPublisher
}

func (f *fakeScheduler) Snapshot() scheduler.Status       { return f.status }
func (f *fakeScheduler) Results() results.ResultPublisher { return f.results }

func newFake(t *testing.T) *fakeScheduler {
	t.Helper()
	pub := results.NewMemoryPublisher()
	ctx := context.Background()
	for _, r := range []results.Result{
		{TaskID: 0, Status: results.StatusSuccess, Output: []byte("A"), Worker: 1, Attempts: 1},
		{TaskID: 1, Status: results.StatusFailed, Error: "boom", Worker: 2, Attempts: 2},
		{TaskID: 2, Status: results.StatusSuccess, Output: []byte("C"), Worker: 1, Attempts: 1},
	} {
		if err := pub.Publish(ctx, r); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
	return &fakeScheduler{
		status: scheduler.Status{
			Run:      "run-1",
			Counts:   tasks.Counts{Total: 4, Done: 3, Assigned: 1, Requeued: 1},
			InFlight: []scheduler.InFlight{{Worker: 2, Task: 3}},
			Live:     []int{1, 2},
		},
		results: pub,
	}
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealth(t *testing.T) {
	rec := get(t, New(nil).Handler(), "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" {
		t.Errorf("unexpected body: %v", body)
	}
}

func TestStatus(t *testing.T) {
	s := New(nil)
	if rec := get(t, s.Handler(), "/status"); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 before a scheduler is attached, got %d", rec.Code)
	}

	s.SetScheduler(newFake(t))
	rec := get(t, s.Handler(), "/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type = %q", ct)
	}

	var st scheduler.Status
	if err := json.NewDecoder(rec.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if st.Run != "run-1" || st.Counts.Done != 3 || st.Counts.Requeued != 1 {
		t.Errorf("unexpected status: %+v", st)
	}
	if len(st.InFlight) != 1 || st.InFlight[0].Task != 3 {
		t.Errorf("unexpected in-flight: %+v", st.InFlight)
	}
}

func TestGetResult(t *testing.T) {
	s := New(nil)
	s.SetScheduler(newFake(t))

	rec := get(t, s.Handler(), "/results/1")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var r results.Result
	if err := json.NewDecoder(rec.Body).Decode(&r); err != nil {
		t.Fatal(err)
	}
	if r.TaskID != 1 || r.Status != results.StatusFailed || r.Error != "boom" {
		t.Errorf("unexpected result: %+v", r)
	}

	if rec := get(t, s.Handler(), "/results/42"); rec.Code != http.StatusNotFound {
		t.Errorf("missing result: status = %d", rec.Code)
	}
	if rec := get(t, s.Handler(), "/results/abc"); rec.Code != http.StatusNotFound {
		t.Errorf("non-numeric id should not match the route, got %d", rec.Code)
	}
}

func TestListResults(t *testing.T) {
	s := New(nil)
	s.SetScheduler(newFake(t))

	tests := []struct {
		path string
		code int
		want int
	}{
		{"/results", http.StatusOK, 3},
		{"/results?status=success", http.StatusOK, 2},
		{"/results?status=failed", http.StatusOK, 1},
		{"/results?limit=1", http.StatusOK, 1},
		{"/results?status=lost", http.StatusBadRequest, 0},
		{"/results?limit=-2", http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := get(t, s.Handler(), tt.path)
			if rec.Code != tt.code {
				t.Fatalf("status = %d, want %d", rec.Code, tt.code)
			}
			if tt.code != http.StatusOK {
				return
			}
			var list []results.Result
			if err := json.NewDecoder(rec.Body).Decode(&list); err != nil {
				t.Fatal(err)
			}
			if len(list) != tt.want {
				t.Errorf("got %d results, want %d", len(list), tt.want)
			}
		})
	}
}

func TestReduce(t *testing.T) {
	s := New(nil)
	if rec := get(t, s.Handler(), "/reduce"); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 before a reduction, got %d", rec.Code)
	}

	s.RecordReduction("run-2", reduce.Result{
		Sum:          3,
		Contributors: []int{0, 1, 2},
		Missing:      []int{3},
		Faulted:      []int{3},
		Complete:     true,
		Rounds:       7,
		Duration:     1500 * time.Millisecond,
	}, errors.New("late"))

	rec := get(t, s.Handler(), "/reduce")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var view Reduction
	if err := json.NewDecoder(rec.Body).Decode(&view); err != nil {
		t.Fatal(err)
	}
	if view.Run != "run-2" || view.Sum != 3 || len(view.Missing) != 1 || view.Duration != "1.5s" || view.Error != "late" {
		t.Errorf("unexpected view: %+v", view)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	rec := httptest.NewRecorder()
	New(nil).Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/health", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestStartShutdown(t *testing.T) {
	s := New(nil)
	addr, err := s.Start("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	resp, err := http.Get("http://" + addr + "/health")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}
