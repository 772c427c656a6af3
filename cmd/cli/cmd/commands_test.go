package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"boardgen/pkg/api"

	"github.com/spf13/viper"
)

func TestStopCommand(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		wantOutput string
	}{
		{"Success", http.StatusAccepted, "Stop requested for execution exec-1"},
		{"Not Running", http.StatusConflict, "Stop failed (409): execution is not running"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetViper()

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodPost || r.URL.Path != "/executions/exec-1/stop" {
					t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
				}
				w.WriteHeader(tt.status)
				if tt.status != http.StatusAccepted {
					json.NewEncoder(w).Encode(api.ErrorResponse{Error: "execution is not running"})
					return
				}
				json.NewEncoder(w).Encode(map[string]string{"execution_id": "exec-1", "status": "stopping"})
			}))
			defer server.Close()

			viper.Set("url", server.URL)
			viper.Set("token", "test-token")

			output := execute(t, "stop", "exec-1")
			if !strings.Contains(output, tt.wantOutput) {
				t.Errorf("expected %q in output, got: %s", tt.wantOutput, output)
			}
		})
	}
}

func TestResumeCommand(t *testing.T) {
	resetViper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/executions/exec-1/resume" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(api.ExecutionResponse{
			ID:     "exec-1",
			Status: "running",
			Stats:  api.Stats{TotalCandidates: 10, AlreadyDone: 4},
		})
	}))
	defer server.Close()

	viper.Set("url", server.URL)
	viper.Set("token", "test-token")

	output := execute(t, "resume", "exec-1")
	if !strings.Contains(output, "Execution exec-1 resumed (4 of 10 styles already done)") {
		t.Errorf("unexpected output: %s", output)
	}
}

func TestWatchCommand(t *testing.T) {
	resetViper()

	now := time.Now()
	events := []api.Event{
		{Type: api.EventStart, ExecutionID: "exec-1", Timestamp: now, Total: 2},
		{Type: api.EventUnitCompleted, ExecutionID: "exec-1", Timestamp: now, UnitID: "japandi", UnitName: "Japandi", ExternalReference: "style_content/1"},
		{Type: api.EventProgress, ExecutionID: "exec-1", Timestamp: now, UnitID: "japandi", Processed: 1, Total: 2},
		{Type: api.EventProgress, ExecutionID: "exec-1", Timestamp: now, UnitID: "boho", Processed: 2, Total: 2, Error: "provider timeout"},
		{Type: api.EventComplete, ExecutionID: "exec-1", Timestamp: now, Status: "completed", Stats: &api.Stats{Created: 1, ErrorsCount: 1}},
		{Type: api.EventProgress, ExecutionID: "exec-1", Timestamp: now, UnitID: "after-terminal"},
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/executions/exec-1/events" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": keep-alive\n\n")
		for _, ev := range events {
			data, _ := json.Marshal(ev)
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
		}
	}))
	defer server.Close()

	viper.Set("url", server.URL)
	viper.Set("token", "test-token")

	output := execute(t, "watch", "exec-1")

	for _, want := range []string{"started with 2 styles", "Japandi", "[1/2] japandi", "boho", "provider timeout", "Execution finished", "created 1, updated 0, skipped 0, errors 1"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output, got: %s", want, output)
		}
	}
	if strings.Contains(output, "after-terminal") {
		t.Errorf("expected the watch to stop at the terminal event, got: %s", output)
	}
}

func TestUnitsImportCommand(t *testing.T) {
	resetViper()

	path := filepath.Join(t.TempDir(), "styles.yaml")
	content := `units:
  - id: japandi
    name: Japandi
    category_id: minimal
  - id: boho
    name: Boho
    description: Layered textiles
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write catalog: %v", err)
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req api.ImportUnitsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("failed to decode request: %v", err)
		}
		if len(req.Units) != 2 || req.Units[0].CategoryID != "minimal" || req.Units[1].Description != "Layered textiles" {
			t.Errorf("unexpected units: %+v", req.Units)
		}
		json.NewEncoder(w).Encode(api.ImportUnitsResponse{Imported: len(req.Units)})
	}))
	defer server.Close()

	viper.Set("url", server.URL)
	viper.Set("token", "test-token")

	output := execute(t, "units", "import", path)
	if !strings.Contains(output, "Imported 2 styles") {
		t.Errorf("unexpected output: %s", output)
	}
}

func TestUnitsListCommand(t *testing.T) {
	resetViper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("category_id"); got != "minimal" {
			t.Errorf("expected category_id=minimal, got %q", got)
		}
		if got := r.URL.Query().Get("only_missing"); got != "true" {
			t.Errorf("expected only_missing=true, got %q", got)
		}
		json.NewEncoder(w).Encode(api.ListUnitsResponse{Units: []api.Unit{{ID: "japandi", Name: "Japandi", CategoryID: "minimal"}}})
	}))
	defer server.Close()

	viper.Set("url", server.URL)
	viper.Set("token", "test-token")

	output := execute(t, "units", "list", "--category", "minimal", "--only-missing")
	if !strings.Contains(output, "japandi") || !strings.Contains(output, "Japandi") {
		t.Errorf("unexpected output: %s", output)
	}
}

func TestOrgCreateCommand(t *testing.T) {
	resetViper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer s3cret" {
			t.Errorf("expected admin secret, got: %s", r.Header.Get("Authorization"))
		}
		var req api.CreateOrganizationRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Name != "Studio North" || req.InitialCredits != 100 {
			t.Errorf("unexpected request: %+v", req)
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(api.CreateOrganizationResponse{ID: "org-1", Name: req.Name, ApiKey: "bg_abc"})
	}))
	defer server.Close()

	viper.Set("url", server.URL)
	viper.Set("admin_secret", "s3cret")

	output := execute(t, "org", "create", "--name", "Studio North", "--credits", "100")
	if !strings.Contains(output, "bg_abc") || !strings.Contains(output, "org-1") {
		t.Errorf("unexpected output: %s", output)
	}
}

func TestOrgGrantCommand(t *testing.T) {
	resetViper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req api.GrantCreditsRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.OrganizationID != "org-1" || req.Amount != 2500 || req.Reference != "inv-9" {
			t.Errorf("unexpected request: %+v", req)
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(api.GrantCreditsResponse{TransactionID: "tx-1", Balance: 2600})
	}))
	defer server.Close()

	viper.Set("url", server.URL)
	viper.Set("admin_secret", "s3cret")

	output := execute(t, "org", "grant", "org-1", "--amount", "2500", "--reference", "inv-9")
	if !strings.Contains(output, "Granted 2,500 credits, balance is now 2,600") {
		t.Errorf("unexpected output: %s", output)
	}
}

func TestOrgCommands_NoSecret(t *testing.T) {
	resetViper()
	viper.Set("url", "http://localhost:1")

	output := execute(t, "org", "create", "--name", "x")
	if !strings.Contains(output, "Admin secret not found") {
		t.Errorf("expected missing secret message, got: %s", output)
	}
}

func TestErrorMessage(t *testing.T) {
	tests := []struct {
		body string
		want string
	}{
		{`{"error": "Execution not found", "code": "404"}`, "Execution not found"},
		{`{"error": "bad", "details": "unit_count must not be negative"}`, "bad: unit_count must not be negative"},
		{"upstream timeout\n", "upstream timeout"},
	}
	for _, tt := range tests {
		if got := errorMessage([]byte(tt.body)); got != tt.want {
			t.Errorf("errorMessage(%q) = %q, want %q", tt.body, got, tt.want)
		}
	}
}
