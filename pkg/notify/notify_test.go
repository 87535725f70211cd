package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nakamasato/dagster-diagnostic-agent/pkg/diagerr"
	"github.com/nakamasato/dagster-diagnostic-agent/pkg/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

var testResult = Result{
	Diagnosis: "The extract step failed because column customer_id is missing.",
	RunID:     "abc123",
	RunURL:    "https://acme.dagster.cloud/org/acme/runs/abc123",
	Status:    "FAILURE",
	Model:     "gpt-4",
	Provider:  "openai",
}

type stubSink struct {
	name string
	err  error
	got  []Result
	out  *bytes.Buffer // stdout at the time Send was called
	seen string
}

func (s *stubSink) Name() string { return s.name }

func (s *stubSink) Send(_ context.Context, result Result) error {
	s.got = append(s.got, result)
	if s.out != nil {
		s.seen = s.out.String()
	}
	return s.err
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{"": FormatText, "text": FormatText, "JSON": FormatJSON} {
		got, err := ParseFormat(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseFormat("yaml")
	assert.True(t, diagerr.Is(err, diagerr.Configuration))
}

func TestEmit_Text(t *testing.T) {
	var out bytes.Buffer
	sink := &stubSink{name: "stub", out: &out}

	err := NewEmitter(&out, FormatText, zap.NewNop(), sink).Emit(context.Background(), testResult)
	require.NoError(t, err)

	assert.Equal(t, testResult.Diagnosis+"\n", out.String())
	require.Len(t, sink.got, 1)
	assert.Equal(t, testResult, sink.got[0])
	assert.Equal(t, out.String(), sink.seen, "stdout must be written before sinks run")
}

func TestEmit_JSON(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, NewEmitter(&out, FormatJSON, nil).Emit(context.Background(), testResult))

	var got map[string]string
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	assert.Equal(t, map[string]string{
		"diagnosis": testResult.Diagnosis,
		"runId":     "abc123",
		"runUrl":    testResult.RunURL,
		"status":    "FAILURE",
		"model":     "gpt-4",
		"provider":  "openai",
	}, got)
}

func TestEmit_SinkFailureKeepsStdout(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	var out bytes.Buffer
	failing := &stubSink{name: "callback", err: errors.New("connection refused")}
	after := &stubSink{name: "slack"}

	err := NewEmitter(&out, FormatText, zap.New(core), failing, after).Emit(context.Background(), testResult)

	require.Error(t, err)
	assert.Equal(t, diagerr.CallbackDelivery, diagerr.KindOf(err))
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, testResult.Diagnosis+"\n", out.String())
	assert.Len(t, after.got, 1, "later sinks still run")
	assert.Equal(t, 1, logs.FilterMessage("Failed to deliver diagnosis").Len())
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, io.ErrClosedPipe }

func TestEmit_StdoutFailure(t *testing.T) {
	sink := &stubSink{name: "stub"}
	err := NewEmitter(failingWriter{}, FormatText, nil, sink).Emit(context.Background(), testResult)
	require.Error(t, err)
	assert.False(t, diagerr.Is(err, diagerr.CallbackDelivery))
	assert.Empty(t, sink.got)
}

func TestCallbackSink_Send(t *testing.T) {
	var got map[string]string
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	err := NewCallbackSink(server.URL, server.Client(), 0).Send(context.Background(), testResult)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, map[string]string{
		"diagnosis": testResult.Diagnosis,
		"runId":     "abc123",
		"runUrl":    testResult.RunURL,
		"status":    "FAILURE",
		"model":     "gpt-4",
	}, got)
}

func TestCallbackSink_Errors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	err := NewCallbackSink(server.URL, server.Client(), 0).Send(context.Background(), testResult)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")

	closed := NewCallbackSink(server.URL, nil, 0)
	server.Close()
	assert.Error(t, closed.Send(context.Background(), testResult))

	assert.Error(t, NewCallbackSink("://bad", nil, 0).Send(context.Background(), testResult))
}

func TestSlackSink(t *testing.T) {
	sink := NewSlackSink(slack.NewNotifierWithClient(slack.DummySlackClient{}, "C123"))
	assert.Equal(t, "slack", sink.Name())
	assert.NoError(t, sink.Send(context.Background(), testResult))
}
