package dagster

const eventConnectionFragment = `
fragment EventConnectionFields on EventConnectionOrError {
  __typename
  ... on EventConnection {
    cursor
    hasMore
    events {
      __typename
      ... on MessageEvent {
        message
        timestamp
        level
        stepKey
        eventType
      }
      ... on ErrorEvent {
        error {
          message
        }
      }
    }
  }
  ... on RunNotFoundError {
    message
  }
  ... on PythonError {
    message
  }
}
`

// runQuery selects run metadata and the first page of events in one request.
const runQuery = `
query DiagnosisRunQuery($runId: ID!, $afterCursor: String, $limit: Int) {
  runOrError(runId: $runId) {
    __typename
    ... on Run {
      runId
      jobName
      status
      startTime
      endTime
    }
    ... on RunNotFoundError {
      message
    }
    ... on PythonError {
      message
    }
  }
  logsForRun(runId: $runId, afterCursor: $afterCursor, limit: $limit) {
    ...EventConnectionFields
  }
}
` + eventConnectionFragment

// logsQuery fetches subsequent event pages.
const logsQuery = `
query DiagnosisLogsQuery($runId: ID!, $afterCursor: String, $limit: Int) {
  logsForRun(runId: $runId, afterCursor: $afterCursor, limit: $limit) {
    ...EventConnectionFields
  }
}
` + eventConnectionFragment
