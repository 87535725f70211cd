package agent

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/nakamasato/dagster-diagnostic-agent/pkg/dagster"
)

const systemPrompt = "You are a seasoned Dagster engineer. " +
	"Diagnose the following Dagster run, explain the most likely cause of its outcome, and suggest next steps."

// DefaultMaxPromptChars bounds the user prompt to respect model context limits.
const DefaultMaxPromptChars = 15000

// levelRank orders Dagster log levels.
var levelRank = map[string]int{
	"DEBUG":    0,
	"INFO":     1,
	"WARNING":  2,
	"ERROR":    3,
	"CRITICAL": 4,
}

// PromptOptions controls prompt construction.
type PromptOptions struct {
	MaxChars    int    // Character budget for the user prompt
	MinLogLevel string // Drop log lines below this Dagster level; empty keeps all
}

// Prompt is the rendered input for one completion request.
type Prompt struct {
	System          string
	User            string
	OmittedSteps    int // Oldest step events dropped to fit MaxChars
	OmittedLogLines int // Oldest log lines dropped to fit MaxChars
	FilteredLines   int // Log lines below MinLogLevel
}

// BuildPrompt renders record into a prompt. Step events and log lines keep
// their order. When the rendering exceeds the budget the oldest log lines are
// dropped first, then the oldest step events, and a note states how many were
// omitted.
func BuildPrompt(record *dagster.RunRecord, opts PromptOptions) Prompt {
	if opts.MaxChars <= 0 {
		opts.MaxChars = DefaultMaxPromptChars
	}
	minLevel := strings.ToUpper(opts.MinLogLevel)

	steps := make([]string, 0, len(record.Steps))
	for _, s := range record.Steps {
		steps = append(steps, formatStep(s))
	}

	var logs []string
	filtered := 0
	for _, l := range record.LogLines {
		if !meetsLevel(l.Level, minLevel) {
			filtered++
			continue
		}
		logs = append(logs, formatLogLine(l))
	}

	header := formatHeader(record, minLevel)
	size := runeLen(header) + runeLen(fenceOpen) + runeLen(fenceClose) + sectionsLen(len(steps), len(logs))
	for _, s := range steps {
		size += runeLen(s) + 1
	}
	for _, l := range logs {
		size += runeLen(l) + 1
	}

	droppedLogs, droppedSteps := 0, 0
	for size+noteLen(droppedSteps, droppedLogs) > opts.MaxChars && droppedLogs < len(logs) {
		size -= runeLen(logs[droppedLogs]) + 1
		droppedLogs++
	}
	for size+noteLen(droppedSteps, droppedLogs) > opts.MaxChars && droppedSteps < len(steps) {
		size -= runeLen(steps[droppedSteps]) + 1
		droppedSteps++
	}

	var b strings.Builder
	b.WriteString(fenceOpen)
	b.WriteString(header)
	if note := omissionNote(droppedSteps, droppedLogs); note != "" {
		b.WriteString(note)
	}
	if len(steps) > 0 {
		b.WriteString(stepsSection)
		for _, s := range steps[droppedSteps:] {
			b.WriteString(s)
			b.WriteByte('\n')
		}
	}
	if len(logs) > 0 {
		b.WriteString(logsSection)
		for _, l := range logs[droppedLogs:] {
			b.WriteString(l)
			b.WriteByte('\n')
		}
	}
	if len(steps) == 0 && len(logs) == 0 {
		b.WriteString(noEventsLine)
	}
	b.WriteString(fenceClose)

	return Prompt{
		System:          systemPrompt,
		User:            b.String(),
		OmittedSteps:    droppedSteps,
		OmittedLogLines: droppedLogs,
		FilteredLines:   filtered,
	}
}

const (
	fenceOpen    = "```\n"
	fenceClose   = "```"
	stepsSection = "\nStep events:\n"
	logsSection  = "\nLog lines:\n"
	noEventsLine = "\nNo events were recorded for this run.\n"
)

func sectionsLen(steps, logs int) int {
	n := 0
	if steps > 0 {
		n += runeLen(stepsSection)
	}
	if logs > 0 {
		n += runeLen(logsSection)
	}
	if steps == 0 && logs == 0 {
		n += runeLen(noEventsLine)
	}
	return n
}

func formatHeader(record *dagster.RunRecord, minLevel string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Run ID: %s\n", record.RunID)
	if record.JobName != "" {
		fmt.Fprintf(&b, "Job: %s\n", record.JobName)
	}
	fmt.Fprintf(&b, "Status: %s\n", record.Status)
	if !record.StartTime.IsZero() {
		fmt.Fprintf(&b, "Started: %s\n", formatTime(record.StartTime))
	}
	if !record.EndTime.IsZero() {
		fmt.Fprintf(&b, "Ended: %s\n", formatTime(record.EndTime))
	}
	if minLevel != "" {
		fmt.Fprintf(&b, "Log lines shown: %s and above\n", minLevel)
	}
	return b.String()
}

func formatStep(s dagster.StepEvent) string {
	if s.StepKey == "" {
		return fmt.Sprintf("[%s] %s: %s", formatTime(s.Timestamp), s.EventType, s.Message)
	}
	return fmt.Sprintf("[%s] %s %s: %s", formatTime(s.Timestamp), s.EventType, s.StepKey, s.Message)
}

func formatLogLine(l dagster.LogLine) string {
	return fmt.Sprintf("[%s] %s: %s", formatTime(l.Timestamp), l.Level, l.Message)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func omissionNote(steps, logs int) string {
	if steps == 0 && logs == 0 {
		return ""
	}
	return fmt.Sprintf("Omitted to fit the prompt budget: %d earlier step events, %d earlier log lines\n", steps, logs)
}

func noteLen(steps, logs int) int {
	return runeLen(omissionNote(steps, logs))
}

// meetsLevel keeps lines with unknown levels.
func meetsLevel(level, minLevel string) bool {
	if minLevel == "" {
		return true
	}
	rank, ok := levelRank[strings.ToUpper(level)]
	if !ok {
		return true
	}
	return rank >= levelRank[minLevel]
}

func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}
