//go:build integration

package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
)

func baseURL() string {
	if addr := os.Getenv("TEST_ADDR"); addr != "" {
		return addr
	}
	return "http://localhost:8080"
}

func TestHealthz(t *testing.T) {
	resp, err := http.Get(baseURL() + "/api/healthz")
	if err != nil {
		t.Fatalf("GET /api/healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}

func TestLogin(t *testing.T) {
	tok := adminToken(t)
	if tok == "" {
		t.Error("expected non-empty access_token in response")
	}
}

func TestSubmitAndFetchJob(t *testing.T) {
	jobID := "it-" + uuid.NewString()
	body := fmt.Sprintf(`{"job_id":%q,"input_s3_path":"in.mp4","output_s3_path":"out.mp4","pipeline":"ticks=1"}`, jobID)

	resp, err := http.Post(baseURL()+"/api/jobs", "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("POST /api/jobs: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 201/202, got %d", resp.StatusCode)
	}

	getResp, err := http.Get(baseURL() + "/api/jobs/" + jobID)
	if err != nil {
		t.Fatalf("GET /api/jobs/%s: %v", jobID, err)
	}
	defer getResp.Body.Close()
	if getResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", getResp.StatusCode)
	}
	var job map[string]any
	if err := json.NewDecoder(getResp.Body).Decode(&job); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	if job["job_id"] != jobID {
		t.Errorf("expected job_id %s, got %v", jobID, job["job_id"])
	}
	if job["state"] != "queued" && job["state"] != "in-progress" && job["state"] != "completed" {
		t.Errorf("unexpected initial state %v", job["state"])
	}
}

func TestSubmitJobRequiresPresetOrPipeline(t *testing.T) {
	jobID := "it-" + uuid.NewString()
	body := fmt.Sprintf(`{"job_id":%q,"input_s3_path":"in.mp4","output_s3_path":"out.mp4"}`, jobID)

	resp, err := http.Post(baseURL()+"/api/jobs", "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("POST /api/jobs: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 without preset_id or pipeline, got %d", resp.StatusCode)
	}
}

func TestCancelJobRequiresAuth(t *testing.T) {
	jobID := "it-" + uuid.NewString()
	resp, err := http.Post(baseURL()+"/api/jobs/"+jobID+"/cancel", "application/json", nil)
	if err != nil {
		t.Fatalf("POST cancel: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 without a bearer token, got %d", resp.StatusCode)
	}
}

func TestCancelJobAsAdmin(t *testing.T) {
	tok := adminToken(t)
	jobID := "it-" + uuid.NewString()
	submitBody := fmt.Sprintf(`{"job_id":%q,"input_s3_path":"in.mp4","output_s3_path":"out.mp4","pipeline":"ticks=100"}`, jobID)
	submitResp, err := http.Post(baseURL()+"/api/jobs", "application/json", bytes.NewBufferString(submitBody))
	if err != nil {
		t.Fatalf("POST /api/jobs: %v", err)
	}
	submitResp.Body.Close()

	req, err := http.NewRequest(http.MethodPost, baseURL()+"/api/jobs/"+jobID+"/cancel", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST cancel: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}

	// Give the worker a moment in case it had already claimed the job;
	// cancellation only applies while still queued.
	time.Sleep(100 * time.Millisecond)

	getResp, err := http.Get(baseURL() + "/api/jobs/" + jobID)
	if err != nil {
		t.Fatalf("GET job: %v", err)
	}
	defer getResp.Body.Close()
	var job map[string]any
	if err := json.NewDecoder(getResp.Body).Decode(&job); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	if job["state"] != "cancelled" && job["state"] != "in-progress" {
		t.Errorf("expected cancelled (or a worker having already claimed it), got %v", job["state"])
	}
}

func TestListPresets(t *testing.T) {
	resp, err := http.Get(baseURL() + "/api/presets")
	if err != nil {
		t.Fatalf("GET /api/presets: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}

// adminToken logs in as the default admin and returns the access token.
func adminToken(t *testing.T) string {
	t.Helper()
	user := os.Getenv("TEST_ADMIN_USERNAME")
	if user == "" {
		user = "admin"
	}
	pass := os.Getenv("TEST_ADMIN_PASSWORD")
	if pass == "" {
		pass = "admin"
	}
	body := fmt.Sprintf(`{"username":%q,"password":%q}`, user, pass)
	resp, err := http.Post(baseURL()+"/api/login", "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login: expected 200, got %d", resp.StatusCode)
	}
	var result map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	tok, ok := result["access_token"].(string)
	if !ok || tok == "" {
		t.Fatal("no access_token in login response")
	}
	return tok
}
