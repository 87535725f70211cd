package dagster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/nakamasato/dagster-diagnostic-agent/pkg/diagerr"
	"github.com/nakamasato/dagster-diagnostic-agent/pkg/trace"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// DefaultGraphQLURL is the Dagster Cloud API endpoint used when none is configured.
const DefaultGraphQLURL = "https://dagster.cloud/api/graphql"

const (
	defaultPageSize    = 1000
	maxPages           = 50 // Bound pagination for very chatty runs
	maxResponseBytes   = 32 << 20
	maxErrorBodyLength = 512
)

// Client reads run data from a Dagster Cloud GraphQL endpoint.
type Client struct {
	endpoint   string
	token      string
	pageSize   int
	httpClient *http.Client
	logger     *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client used for GraphQL requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// WithPageSize sets how many events are requested per page.
func WithPageSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

// NewClient creates a client for the given GraphQL endpoint and API token.
func NewClient(endpoint, token string, opts ...Option) *Client {
	if endpoint == "" {
		endpoint = DefaultGraphQLURL
	}
	c := &Client{
		endpoint:   endpoint,
		token:      token,
		pageSize:   defaultPageSize,
		httpClient: trace.NewHTTPClient(30 * time.Second),
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Endpoint returns the GraphQL endpoint the client talks to.
func (c *Client) Endpoint() string {
	return c.endpoint
}

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type graphQLError struct {
	Message string `json:"message"`
}

type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphQLError  `json:"errors"`
}

type runOrError struct {
	Typename  string   `json:"__typename"`
	RunID     string   `json:"runId"`
	JobName   string   `json:"jobName"`
	Status    string   `json:"status"`
	StartTime *float64 `json:"startTime"`
	EndTime   *float64 `json:"endTime"`
	Message   string   `json:"message"`
}

type runEvent struct {
	Typename  string  `json:"__typename"`
	Message   string  `json:"message"`
	Timestamp string  `json:"timestamp"`
	Level     string  `json:"level"`
	StepKey   *string `json:"stepKey"`
	EventType *string `json:"eventType"`
	Error     *struct {
		Message string `json:"message"`
	} `json:"error"`
}

type eventConnection struct {
	Typename string     `json:"__typename"`
	Cursor   string     `json:"cursor"`
	HasMore  bool       `json:"hasMore"`
	Events   []runEvent `json:"events"`
	Message  string     `json:"message"`
}

type runQueryData struct {
	RunOrError *runOrError      `json:"runOrError"`
	LogsForRun *eventConnection `json:"logsForRun"`
}

// FetchRun retrieves status, step events and log lines for the referenced run.
func (c *Client) FetchRun(ctx context.Context, ref RunReference) (*RunRecord, error) {
	ctx, span := trace.GetTracer().Start(ctx, "dagster.FetchRun")
	defer span.End()
	span.SetAttributes(
		attribute.String("dagster.run_id", ref.RunID),
		attribute.String("dagster.organization", ref.Organization),
		attribute.String("dagster.deployment", ref.Deployment),
	)

	record, err := c.fetchRun(ctx, ref)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.String("dagster.run_status", string(record.Status)),
		attribute.Int("dagster.step_events", len(record.Steps)),
		attribute.Int("dagster.log_lines", len(record.LogLines)),
	)
	return record, nil
}

func (c *Client) fetchRun(ctx context.Context, ref RunReference) (*RunRecord, error) {
	c.logger.Info("Fetching run data",
		zap.String("endpoint", c.endpoint),
		zap.String("run_id", ref.RunID))

	var data runQueryData
	if err := c.execute(ctx, runQuery, c.variables(ref.RunID, ""), &data); err != nil {
		return nil, err
	}

	record, err := recordFromRun(ref.RunID, data.RunOrError)
	if err != nil {
		return nil, err
	}

	conn := data.LogsForRun
	cursor := ""
	var events []runEvent
	for page := 1; ; page++ {
		if err := checkConnection(ref.RunID, conn); err != nil {
			return nil, err
		}
		events = append(events, conn.Events...)

		if !conn.HasMore || conn.Cursor == "" || conn.Cursor == cursor {
			break
		}
		if page >= maxPages {
			c.logger.Warn("Stopping event pagination",
				zap.String("run_id", ref.RunID),
				zap.Int("pages", page),
				zap.Int("events", len(events)))
			break
		}

		cursor = conn.Cursor
		var next struct {
			LogsForRun *eventConnection `json:"logsForRun"`
		}
		if err := c.execute(ctx, logsQuery, c.variables(ref.RunID, cursor), &next); err != nil {
			return nil, err
		}
		conn = next.LogsForRun
	}

	for _, evt := range events {
		addEvent(record, evt)
	}

	c.logger.Info("Retrieved run events",
		zap.String("run_id", ref.RunID),
		zap.String("status", string(record.Status)),
		zap.Int("events", len(events)),
		zap.Int("step_events", len(record.Steps)),
		zap.Int("log_lines", len(record.LogLines)))
	return record, nil
}

func (c *Client) variables(runID, cursor string) map[string]any {
	vars := map[string]any{
		"runId": runID,
		"limit": c.pageSize,
	}
	if cursor != "" {
		vars["afterCursor"] = cursor
	} else {
		vars["afterCursor"] = nil
	}
	return vars
}

// execute posts one GraphQL request and decodes its data into out.
func (c *Client) execute(ctx context.Context, query string, variables map[string]any, out any) error {
	body, err := json.Marshal(graphQLRequest{Query: query, Variables: variables})
	if err != nil {
		return diagerr.Wrap(diagerr.Upstream, err, "failed to encode GraphQL request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return diagerr.Wrap(diagerr.Upstream, err, "failed to create GraphQL request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Dagster-Cloud-Api-Token", c.token)
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return diagerr.Wrap(diagerr.Upstream, err, "GraphQL request to %s failed", c.endpoint)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return diagerr.Wrap(diagerr.Upstream, err, "failed to read GraphQL response")
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return diagerr.New(diagerr.Authentication, "Dagster Cloud rejected the API token (HTTP %d)", resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return diagerr.New(diagerr.Upstream, "GraphQL endpoint returned HTTP %d: %s", resp.StatusCode, truncate(string(respBody), maxErrorBodyLength))
	}

	var gqlResp graphQLResponse
	if err := json.Unmarshal(respBody, &gqlResp); err != nil {
		return diagerr.Wrap(diagerr.Upstream, err, "malformed GraphQL response")
	}
	if len(gqlResp.Errors) > 0 {
		messages := make([]string, 0, len(gqlResp.Errors))
		for _, e := range gqlResp.Errors {
			messages = append(messages, e.Message)
		}
		return diagerr.New(diagerr.Upstream, "GraphQL errors: %s", strings.Join(messages, "; "))
	}
	if len(gqlResp.Data) == 0 || string(gqlResp.Data) == "null" {
		return diagerr.New(diagerr.Upstream, "GraphQL response has no data")
	}
	if err := json.Unmarshal(gqlResp.Data, out); err != nil {
		return diagerr.Wrap(diagerr.Upstream, err, "malformed GraphQL data")
	}
	return nil
}

func recordFromRun(runID string, run *runOrError) (*RunRecord, error) {
	if run == nil {
		return nil, diagerr.New(diagerr.Upstream, "GraphQL response is missing runOrError")
	}
	switch run.Typename {
	case "Run":
	case "RunNotFoundError":
		return nil, diagerr.New(diagerr.RunNotFound, "run %s not found: %s", runID, run.Message)
	case "PythonError":
		return nil, diagerr.New(diagerr.Upstream, "Dagster returned an error for run %s: %s", runID, run.Message)
	default:
		return nil, diagerr.New(diagerr.Upstream, "unexpected runOrError type %q", run.Typename)
	}

	record := &RunRecord{
		RunID:     run.RunID,
		JobName:   run.JobName,
		Status:    RunStatus(run.Status),
		StartTime: secondsToTime(run.StartTime),
		EndTime:   secondsToTime(run.EndTime),
	}
	if record.RunID == "" {
		record.RunID = runID
	}
	if record.Status == "" {
		record.Status = StatusUnknown
	}
	return record, nil
}

func checkConnection(runID string, conn *eventConnection) error {
	if conn == nil {
		return diagerr.New(diagerr.Upstream, "GraphQL response is missing logsForRun")
	}
	switch conn.Typename {
	case "EventConnection":
		return nil
	case "RunNotFoundError":
		return diagerr.New(diagerr.RunNotFound, "run %s not found: %s", runID, conn.Message)
	case "PythonError":
		return diagerr.New(diagerr.Upstream, "Dagster returned an error reading logs for run %s: %s", runID, conn.Message)
	default:
		return diagerr.New(diagerr.Upstream, "unexpected logsForRun type %q", conn.Typename)
	}
}

// addEvent files evt as a step event when it carries a Dagster event type and
// as a log line otherwise.
func addEvent(record *RunRecord, evt runEvent) {
	message := evt.Message
	if evt.Error != nil && evt.Error.Message != "" && !strings.Contains(message, evt.Error.Message) {
		if message == "" {
			message = evt.Error.Message
		} else {
			message = fmt.Sprintf("%s | %s", message, evt.Error.Message)
		}
	}
	ts := millisToTime(evt.Timestamp)

	if evt.EventType != nil && *evt.EventType != "" {
		step := StepEvent{
			EventType: *evt.EventType,
			Timestamp: ts,
			Message:   message,
		}
		if evt.StepKey != nil {
			step.StepKey = *evt.StepKey
		}
		record.Steps = append(record.Steps, step)
		return
	}

	record.LogLines = append(record.LogLines, LogLine{
		Timestamp: ts,
		Level:     evt.Level,
		Message:   message,
	})
}

// millisToTime parses Dagster's string timestamps (epoch milliseconds).
func millisToTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	ms, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(int64(ms)).UTC()
}

func secondsToTime(f *float64) time.Time {
	if f == nil || *f == 0 {
		return time.Time{}
	}
	sec := int64(*f)
	nsec := int64((*f - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec).UTC()
}

// truncate caps s at n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
