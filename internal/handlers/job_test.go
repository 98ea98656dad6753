package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"lacquer/internal/audio"
	"lacquer/internal/chunk"
	"lacquer/internal/dsp"
	"lacquer/internal/jobs"
	"lacquer/internal/library"
)

type fakeResolver map[string]library.Track

func (r fakeResolver) Resolve(id string) (library.Track, error) {
	t, ok := r[id]
	if !ok {
		return library.Track{}, library.ErrTrackNotFound
	}
	return t, nil
}

func (r fakeResolver) List() []library.Track {
	out := make([]library.Track, 0, len(r))
	for _, t := range r {
		out = append(out, t)
	}
	return out
}

func testScheduler(t *testing.T, depth int) *jobs.Scheduler {
	t.Helper()
	layout, err := chunk.NewLayout(15*time.Second, 10*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	pool := dsp.NewPool(1, 4, time.Second)
	engine := chunk.NewEngine(layout, chunk.NewCache(8, time.Minute), pool, audio.Smoothstep)
	procs := dsp.NewCache(2, func(dsp.Settings) (dsp.Engine, error) {
		t.Fatal("no job should run in this test")
		return nil, nil
	})
	// Not started: submitted jobs stay queued, which is all these tests need.
	return jobs.NewScheduler(1, depth, t.TempDir(), procs, engine)
}

func doJSON(t *testing.T, h echo.HandlerFunc, method, path, body string, params map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	for k, v := range params {
		c.SetParamNames(k)
		c.SetParamValues(v)
	}
	if err := h(c); err != nil {
		t.Fatalf("handler returned %v", err)
	}
	return rec
}

func TestSubmitJob(t *testing.T) {
	sched := testScheduler(t, 4)
	h := NewJobHandler(sched, fakeResolver{"t1": {ID: "t1", Path: "/music/t1.wav"}})

	rec := doJSON(t, h.Submit, http.MethodPost, "/api/jobs",
		`{"track_id":"t1","settings":{"mode":"warm","intensity":0.8,"loudness_target":-14}}`, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body)
	}

	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["id"] == "" {
		t.Fatal("no job id in response")
	}

	job, err := sched.Get(resp["id"])
	if err != nil {
		t.Fatalf("submitted job not tracked: %v", err)
	}
	if job.InputPath != "/music/t1.wav" {
		t.Errorf("InputPath = %q, want resolved path", job.InputPath)
	}
	if job.TrackID != "t1" {
		t.Errorf("TrackID = %q, want catalog id t1", job.TrackID)
	}
	if job.Status != jobs.StatusQueued {
		t.Errorf("Status = %q, want queued", job.Status)
	}
}

func TestSubmitJobValidation(t *testing.T) {
	h := NewJobHandler(testScheduler(t, 4), fakeResolver{"t1": {ID: "t1", Path: "/music/t1.wav"}})

	cases := []struct {
		name string
		body string
		want int
	}{
		{"missing track", `{"settings":{"mode":"level","intensity":1,"loudness_target":-14}}`, http.StatusBadRequest},
		{"unknown track", `{"track_id":"ghost"}`, http.StatusNotFound},
		{"unknown reference", `{"track_id":"t1","reference_id":"ghost"}`, http.StatusNotFound},
		{"bad settings", `{"track_id":"t1","settings":{"mode":"shiny","intensity":1,"loudness_target":-14}}`, http.StatusBadRequest},
		{"malformed body", `{`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doJSON(t, h.Submit, http.MethodPost, "/api/jobs", tc.body, nil)
			if rec.Code != tc.want {
				t.Errorf("status = %d, want %d: %s", rec.Code, tc.want, rec.Body)
			}
		})
	}
}

func TestSubmitJobQueueFull(t *testing.T) {
	sched := testScheduler(t, 2)
	h := NewJobHandler(sched, fakeResolver{"t1": {ID: "t1", Path: "/music/t1.wav"}})

	body := `{"track_id":"t1"}`
	for i := 0; i < 2; i++ {
		if rec := doJSON(t, h.Submit, http.MethodPost, "/api/jobs", body, nil); rec.Code != http.StatusAccepted {
			t.Fatalf("submit %d: status = %d", i, rec.Code)
		}
	}
	rec := doJSON(t, h.Submit, http.MethodPost, "/api/jobs", body, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status at full queue = %d, want 503", rec.Code)
	}
}

func TestGetJob(t *testing.T) {
	sched := testScheduler(t, 4)
	h := NewJobHandler(sched, fakeResolver{"t1": {ID: "t1", Path: "/music/t1.wav"}})

	id, err := sched.Submit("t1", "/music/t1.wav", "", dsp.DefaultSettings(), "wav")
	if err != nil {
		t.Fatal(err)
	}

	rec := doJSON(t, h.Get, http.MethodGet, "/api/jobs/"+id, "", map[string]string{"id": id})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var job jobs.Job
	if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
		t.Fatal(err)
	}
	if job.ID != id || job.Status != jobs.StatusQueued {
		t.Errorf("got job %+v", job)
	}

	rec = doJSON(t, h.Get, http.MethodGet, "/api/jobs/nope", "", map[string]string{"id": "nope"})
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown id status = %d, want 404", rec.Code)
	}
}

func TestListTracks(t *testing.T) {
	h := NewTrackHandler(fakeResolver{
		"a": {ID: "a", Title: "A"},
		"b": {ID: "b", Title: "B"},
	})

	rec := doJSON(t, h.List, http.MethodGet, "/api/tracks", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var tracks []library.Track
	if err := json.Unmarshal(rec.Body.Bytes(), &tracks); err != nil {
		t.Fatal(err)
	}
	if len(tracks) != 2 {
		t.Errorf("listed %d tracks, want 2", len(tracks))
	}
}
