package dagster

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/nakamasato/dagster-diagnostic-agent/pkg/diagerr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

const firstPageResponse = `{
  "data": {
    "runOrError": {
      "__typename": "Run",
      "runId": "abc123",
      "jobName": "daily_snapshot",
      "status": "FAILURE",
      "startTime": 1700000000.5,
      "endTime": 1700000060
    },
    "logsForRun": {
      "__typename": "EventConnection",
      "cursor": "c1",
      "hasMore": true,
      "events": [
        {"__typename": "RunStartEvent", "message": "Started execution of run for \"daily_snapshot\".", "timestamp": "1700000000500", "level": "DEBUG", "stepKey": null, "eventType": "RUN_START"},
        {"__typename": "LogMessageEvent", "message": "loading rows from warehouse", "timestamp": "1700000001000", "level": "INFO", "stepKey": "load", "eventType": null}
      ]
    }
  }
}`

const secondPageResponse = `{
  "data": {
    "logsForRun": {
      "__typename": "EventConnection",
      "cursor": "c2",
      "hasMore": false,
      "events": [
        {"__typename": "ExecutionStepFailureEvent", "message": "Execution of step \"snapshot\" failed.", "timestamp": "1700000050000", "level": "ERROR", "stepKey": "snapshot", "eventType": "STEP_FAILURE", "error": {"message": "IntegrityError: Duplicate row detected"}},
        {"__typename": "LogMessageEvent", "message": "retry budget exhausted", "timestamp": "1700000055000", "level": "ERROR", "stepKey": "snapshot", "eventType": null}
      ]
    }
  }
}`

type capturedRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

func newGraphQLServer(t *testing.T, handler func(w http.ResponseWriter, req capturedRequest)) (*httptest.Server, *[]capturedRequest) {
	t.Helper()
	var requests []capturedRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if got := r.Header.Get("Dagster-Cloud-Api-Token"); got != "test-token" {
			t.Errorf("expected Dagster-Cloud-Api-Token header, got %q", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("expected bearer token, got %q", got)
		}
		var req capturedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("failed to decode request: %v", err)
		}
		requests = append(requests, req)
		w.Header().Set("Content-Type", "application/json")
		handler(w, req)
	}))
	t.Cleanup(server.Close)
	return server, &requests
}

func TestFetchRun_Paginates(t *testing.T) {
	server, requests := newGraphQLServer(t, func(w http.ResponseWriter, req capturedRequest) {
		if req.Variables["afterCursor"] == nil {
			_, _ = w.Write([]byte(firstPageResponse))
			return
		}
		if req.Variables["afterCursor"] != "c1" {
			t.Errorf("unexpected cursor %v", req.Variables["afterCursor"])
		}
		_, _ = w.Write([]byte(secondPageResponse))
	})

	core, observed := observer.New(zapcore.InfoLevel)
	client := NewClient(server.URL, "test-token", WithLogger(zap.New(core)), WithPageSize(2))

	record, err := client.FetchRun(context.Background(), RunReference{Organization: "acme", RunID: "abc123"})
	if err != nil {
		t.Fatalf("FetchRun failed: %v", err)
	}

	if len(*requests) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(*requests))
	}
	if !strings.Contains((*requests)[0].Query, "runOrError") {
		t.Error("first request should select runOrError")
	}
	if strings.Contains((*requests)[1].Query, "runOrError") {
		t.Error("follow-up request should only select logsForRun")
	}
	if (*requests)[0].Variables["runId"] != "abc123" {
		t.Errorf("unexpected runId variable %v", (*requests)[0].Variables["runId"])
	}
	if (*requests)[0].Variables["limit"] != float64(2) {
		t.Errorf("unexpected limit variable %v", (*requests)[0].Variables["limit"])
	}

	if record.RunID != "abc123" || record.JobName != "daily_snapshot" || record.Status != StatusFailure {
		t.Errorf("unexpected run metadata: %+v", record)
	}
	if want := time.Unix(1700000000, 500000000).UTC(); !record.StartTime.Equal(want) {
		t.Errorf("StartTime = %v, want %v", record.StartTime, want)
	}

	if len(record.Steps) != 2 {
		t.Fatalf("expected 2 step events, got %d", len(record.Steps))
	}
	if record.Steps[0].EventType != "RUN_START" || record.Steps[0].StepKey != "" {
		t.Errorf("unexpected first step event: %+v", record.Steps[0])
	}
	failure := record.Steps[1]
	if failure.StepKey != "snapshot" || failure.EventType != "STEP_FAILURE" {
		t.Errorf("unexpected failure event: %+v", failure)
	}
	if failure.Message != `Execution of step "snapshot" failed. | IntegrityError: Duplicate row detected` {
		t.Errorf("nested error not merged: %q", failure.Message)
	}
	if want := time.UnixMilli(1700000050000).UTC(); !failure.Timestamp.Equal(want) {
		t.Errorf("Timestamp = %v, want %v", failure.Timestamp, want)
	}

	if len(record.LogLines) != 2 {
		t.Fatalf("expected 2 log lines, got %d", len(record.LogLines))
	}
	if record.LogLines[0].Message != "loading rows from warehouse" || record.LogLines[0].Level != "INFO" {
		t.Errorf("unexpected first log line: %+v", record.LogLines[0])
	}
	if record.LogLines[1].Level != "ERROR" {
		t.Errorf("unexpected second log line: %+v", record.LogLines[1])
	}

	logs := observed.FilterMessage("Retrieved run events").All()
	if len(logs) != 1 {
		t.Fatalf("expected 1 summary log entry, got %d", len(logs))
	}
	if got := logs[0].ContextMap()["events"]; got != int64(4) {
		t.Errorf("expected events=4 in log, got %v", got)
	}
}

func TestFetchRun_SinglePage(t *testing.T) {
	server, requests := newGraphQLServer(t, func(w http.ResponseWriter, req capturedRequest) {
		_, _ = w.Write([]byte(`{"data":{"runOrError":{"__typename":"Run","runId":"abc123","status":"SUCCESS"},"logsForRun":{"__typename":"EventConnection","cursor":"c1","hasMore":false,"events":[]}}}`))
	})

	record, err := NewClient(server.URL, "test-token").FetchRun(context.Background(), RunReference{RunID: "abc123"})
	if err != nil {
		t.Fatalf("FetchRun failed: %v", err)
	}
	if len(*requests) != 1 {
		t.Errorf("expected exactly one request, got %d", len(*requests))
	}
	if record.Status != StatusSuccess {
		t.Errorf("Status = %s", record.Status)
	}
	if len(record.Steps) != 0 || len(record.LogLines) != 0 {
		t.Errorf("expected no events, got %+v", record)
	}
}

func TestFetchRun_StopsWhenCursorDoesNotAdvance(t *testing.T) {
	server, requests := newGraphQLServer(t, func(w http.ResponseWriter, req capturedRequest) {
		if req.Variables["afterCursor"] == nil {
			_, _ = w.Write([]byte(`{"data":{"runOrError":{"__typename":"Run","runId":"abc123","status":"STARTED"},"logsForRun":{"__typename":"EventConnection","cursor":"c1","hasMore":true,"events":[]}}}`))
			return
		}
		_, _ = w.Write([]byte(`{"data":{"logsForRun":{"__typename":"EventConnection","cursor":"c1","hasMore":true,"events":[]}}}`))
	})

	if _, err := NewClient(server.URL, "test-token").FetchRun(context.Background(), RunReference{RunID: "abc123"}); err != nil {
		t.Fatalf("FetchRun failed: %v", err)
	}
	if len(*requests) != 2 {
		t.Errorf("expected 2 requests, got %d", len(*requests))
	}
}

func TestFetchRun_Errors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantKind diagerr.Kind
	}{
		{
			name:     "unauthorized",
			status:   http.StatusUnauthorized,
			body:     `{"error":"invalid token"}`,
			wantKind: diagerr.Authentication,
		},
		{
			name:     "forbidden",
			status:   http.StatusForbidden,
			body:     `forbidden`,
			wantKind: diagerr.Authentication,
		},
		{
			name:     "server error",
			status:   http.StatusBadGateway,
			body:     `bad gateway`,
			wantKind: diagerr.Upstream,
		},
		{
			name:     "run not found",
			status:   http.StatusOK,
			body:     `{"data":{"runOrError":{"__typename":"RunNotFoundError","message":"Run abc123 could not be found."},"logsForRun":{"__typename":"RunNotFoundError","message":"Run abc123 could not be found."}}}`,
			wantKind: diagerr.RunNotFound,
		},
		{
			name:     "logs not found",
			status:   http.StatusOK,
			body:     `{"data":{"runOrError":{"__typename":"Run","runId":"abc123","status":"FAILURE"},"logsForRun":{"__typename":"RunNotFoundError","message":"gone"}}}`,
			wantKind: diagerr.RunNotFound,
		},
		{
			name:     "python error",
			status:   http.StatusOK,
			body:     `{"data":{"runOrError":{"__typename":"PythonError","message":"boom"},"logsForRun":null}}`,
			wantKind: diagerr.Upstream,
		},
		{
			name:     "graphql errors",
			status:   http.StatusOK,
			body:     `{"errors":[{"message":"Cannot query field \"foo\""}],"data":null}`,
			wantKind: diagerr.Upstream,
		},
		{
			name:     "malformed json",
			status:   http.StatusOK,
			body:     `<html>not json</html>`,
			wantKind: diagerr.Upstream,
		},
		{
			name:     "missing data",
			status:   http.StatusOK,
			body:     `{}`,
			wantKind: diagerr.Upstream,
		},
		{
			name:     "missing logs",
			status:   http.StatusOK,
			body:     `{"data":{"runOrError":{"__typename":"Run","runId":"abc123","status":"FAILURE"}}}`,
			wantKind: diagerr.Upstream,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			_, err := NewClient(server.URL, "test-token").FetchRun(context.Background(), RunReference{RunID: "abc123"})
			if err == nil {
				t.Fatal("expected error")
			}
			if got := diagerr.KindOf(err); got != tt.wantKind {
				t.Errorf("KindOf(err) = %s, want %s (err: %v)", got, tt.wantKind, err)
			}
		})
	}
}

func TestFetchRun_TransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	_, err := NewClient(url, "test-token").FetchRun(context.Background(), RunReference{RunID: "abc123"})
	if !diagerr.Is(err, diagerr.Upstream) {
		t.Errorf("expected UpstreamError, got %v", err)
	}
}

func TestNewClient_DefaultEndpoint(t *testing.T) {
	if got := NewClient("", "token").Endpoint(); got != DefaultGraphQLURL {
		t.Errorf("Endpoint() = %q, want %q", got, DefaultGraphQLURL)
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{in: "short", n: 10, want: "short"},
		{in: "abcdef", n: 3, want: "abc..."},
		// "é" is two bytes and "日" three; the cut backs off to the rune start.
		{in: "aé", n: 2, want: "a..."},
		{in: "日本語", n: 4, want: "日..."},
		{in: "日本語", n: 6, want: "日本..."},
		{in: "日本語", n: 1, want: "..."},
	}
	for _, tt := range tests {
		got := truncate(tt.in, tt.n)
		if got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
		if !utf8.ValidString(got) {
			t.Errorf("truncate(%q, %d) = %q is not valid UTF-8", tt.in, tt.n, got)
		}
	}
}

func TestFetchRun_MultiByteErrorBody(t *testing.T) {
	body := strings.Repeat("エ", maxErrorBodyLength)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(body))
	}))
	defer server.Close()

	_, err := NewClient(server.URL, "token").FetchRun(context.Background(), RunReference{RunID: "abc123"})
	if err == nil {
		t.Fatal("expected an error")
	}
	if !utf8.ValidString(err.Error()) {
		t.Errorf("error message is not valid UTF-8: %q", err.Error())
	}
	if !diagerr.Is(err, diagerr.Upstream) {
		t.Errorf("expected UpstreamError, got %v", err)
	}
}

func TestMillisToTime(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
	}{
		{in: "1700000000123", want: time.UnixMilli(1700000000123).UTC()},
		{in: "1700000000123.0", want: time.UnixMilli(1700000000123).UTC()},
		{in: "", want: time.Time{}},
		{in: "yesterday", want: time.Time{}},
	}
	for _, tt := range tests {
		if got := millisToTime(tt.in); !got.Equal(tt.want) {
			t.Errorf("millisToTime(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
