// Package session implements one WebSocket actor per connection (§4.11),
// the JSON wire envelope of §6.2, and the 60s checkpoint ticker of §4.4/§5,
// grounded on the teacher's `cmd/server` HTTP-handler idiom (request/response
// structs, a stateful `server` wrapping the engine) and its
// `internal/storage.Scheduler` (repurposed in checkpoint.go from a
// robfig/cron job runner into the fixed-interval checkpoint driver).
package session

import (
	"rsql.dev/rsql/internal/engine"
	"rsql.dev/rsql/internal/types"
)

// Request is the inbound wire envelope: request_content is one or more
// ';'-separated SQL statements executed in order on the session's
// transaction.
type Request struct {
	Username       string `json:"username"`
	UserID         uint64 `json:"userid"`
	RequestContent string `json:"request_content"`
}

// Response is the outbound wire envelope.
type Response struct {
	RayonResponse RayonResponse `json:"rayon_response"`
	Timestamp     int64         `json:"timestamp"`
	Success       bool          `json:"success"`
	ConnectionID  uint64        `json:"connection_id"`
}

// RayonResponse carries one request's worth of per-statement results.
type RayonResponse struct {
	ResponseContent []any           `json:"response_content"`
	UniformResult   []UniformResult `json:"uniform_result"`
	Error           string          `json:"error"`
	ExecutionTimeMS int64           `json:"execution_time"`
}

// UniformResult tags one statement's outcome with its result_type so a
// client can dispatch on it without inspecting the SQL it came from.
type UniformResult struct {
	ResultType string `json:"result_type"`
	Data       any    `json:"data"`
}

// QueryData is uniform_result.data for result_type "query".
type QueryData struct {
	Columns     []string `json:"columns"`
	Rows        [][]any  `json:"rows"`
	RowCount    int      `json:"row_count"`
	ColumnCount int      `json:"column_count"`
}

// MutationData is uniform_result.data for the mutation/ddl/dcl result types.
type MutationData struct {
	Message      string `json:"message"`
	AffectedRows int64  `json:"affected_rows"`
}

// toUniformResult converts an engine.ExecResult into the wire shape,
// flattening typed column values to JSON-friendly `any`s.
func toUniformResult(res *engine.ExecResult) UniformResult {
	switch res.Kind {
	case "query":
		rows := make([][]any, len(res.Rows))
		for i, r := range res.ResultSet.Rows {
			row := make([]any, len(r))
			for j, v := range r {
				row[j] = valueToJSON(v)
			}
			rows[i] = row
		}
		return UniformResult{
			ResultType: "query",
			Data: QueryData{
				Columns:     res.ResultSet.Columns,
				Rows:        rows,
				RowCount:    len(rows),
				ColumnCount: len(res.ResultSet.Columns),
			},
		}
	default:
		return UniformResult{
			ResultType: res.Kind,
			Data:       MutationData{Message: res.Message, AffectedRows: res.AffectedRows},
		}
	}
}

// valueToJSON unwraps a types.Value into the Go value its Kind carries, or
// nil for KindNull, so encoding/json renders it the way a client expects
// rather than as the tagged-union struct itself.
func valueToJSON(v types.Value) any {
	switch v.Kind {
	case types.KindNull:
		return nil
	case types.KindInteger:
		return v.I
	case types.KindFloat:
		return v.F
	case types.KindBool:
		return v.B
	case types.KindChar, types.KindVarChar:
		return v.S
	default:
		return nil
	}
}
