package server

import (
	"net/http"

	"github.com/guidow/pyfarm-master/internal/db"
	"github.com/guidow/pyfarm-master/internal/query"
)

// These ViewSchemas describe the three list endpoints that support
// client-driven filtering, sorting, and cursor pagination: agents, jobs
// scoped to a job queue, and tasks scoped to a job. Everything else in the
// control plane (single-entity GETs, mutations) goes through internal/store
// directly, since those don't need a query planner.

var agentsView = &query.ViewSchema{
	Name:        "agents",
	SourceTable: "agent",
	Fields: []query.ViewField{
		{Name: "id", Column: "t.id", Alias: "id", Filterable: true, Sortable: true},
		{Name: "hostname", Column: "t.hostname", Alias: "hostname", Filterable: true, Sortable: true},
		{Name: "ip", Column: "t.ip", Alias: "ip", Filterable: true},
		{Name: "port", Column: "t.port", Alias: "port", Filterable: true},
		{Name: "cpus", Column: "t.cpus", Alias: "cpus", Filterable: true, Sortable: true},
		{Name: "ram", Column: "t.ram", Alias: "ram", Filterable: true, Sortable: true},
		{Name: "free_ram", Column: "t.free_ram", Alias: "free_ram", Filterable: true, Sortable: true},
		{Name: "state", Column: "t.state", Alias: "state", Filterable: true, Sortable: true},
		{Name: "use_address", Column: "t.use_address", Alias: "use_address", Filterable: true},
		{Name: "version", Column: "t.version", Alias: "version", Filterable: true},
		{Name: "last_heard_from", Column: "t.last_heard_from", Alias: "last_heard_from", Sortable: true},
	},
	DefaultSort: []query.ViewSort{{Column: "t.id", Direction: "ASC"}},
}

var jobsByQueueView = &query.ViewSchema{
	Name:        "jobs_by_queue",
	SourceTable: "job",
	Fields: []query.ViewField{
		{Name: "id", Column: "t.id", Alias: "id", Filterable: true, Sortable: true},
		{Name: "title", Column: "t.title", Alias: "title", Filterable: true, Sortable: true},
		{Name: "job_queue_id", Column: "t.job_queue_id", Alias: "job_queue_id"},
		{Name: "state", Column: "t.state", Alias: "state", Filterable: true, Sortable: true},
		{Name: "priority", Column: "t.priority", Alias: "priority", Filterable: true, Sortable: true},
		{Name: "weight", Column: "t.weight", Alias: "weight", Filterable: true, Sortable: true},
		{Name: "time_submitted", Column: "t.time_submitted", Alias: "time_submitted", Sortable: true},
		{Name: "time_started", Column: "t.time_started", Alias: "time_started", Sortable: true},
		{Name: "time_finished", Column: "t.time_finished", Alias: "time_finished", Sortable: true},
		{Name: "to_be_deleted", Column: "t.to_be_deleted", Alias: "to_be_deleted", Filterable: true},
	},
	Filter:      "t.job_queue_id = $1",
	Params:      []string{"job_queue_id"},
	DefaultSort: []query.ViewSort{{Column: "t.time_submitted", Direction: "DESC"}},
}

var tasksByJobView = &query.ViewSchema{
	Name:        "tasks_by_job",
	SourceTable: "task",
	Fields: []query.ViewField{
		{Name: "id", Column: "t.id", Alias: "id", Filterable: true, Sortable: true},
		{Name: "job_id", Column: "t.job_id", Alias: "job_id"},
		{Name: "frame", Column: "t.frame", Alias: "frame", Filterable: true, Sortable: true},
		{Name: "priority", Column: "t.priority", Alias: "priority", Filterable: true, Sortable: true},
		{Name: "state", Column: "t.state", Alias: "state", Filterable: true, Sortable: true},
		{Name: "attempts", Column: "t.attempts", Alias: "attempts", Filterable: true, Sortable: true},
		{Name: "failures", Column: "t.failures", Alias: "failures", Filterable: true, Sortable: true},
		{Name: "agent_id", Column: "t.agent_id", Alias: "agent_id", Filterable: true},
		{Name: "last_error", Column: "t.last_error", Alias: "last_error"},
	},
	Filter:      "t.job_id = $1",
	Params:      []string{"job_id"},
	DefaultSort: []query.ViewSort{{Column: "t.frame", Direction: "ASC"}},
}

// listResponse is the envelope shape for every view-backed list endpoint:
// rows plus pagination metadata built from the fetched page.
type listResponse struct {
	Rows []map[string]interface{} `json:"rows"`
	Page query.PaginationMeta     `json:"page"`
}

// runView executes a ViewSchema against the request's query parameters and
// returns one page of rows plus a next cursor, fetching limit+1 rows to
// detect whether a further page exists without a separate COUNT query.
func (s *Server) runView(r *http.Request, schema *query.ViewSchema) (*listResponse, error) {
	built, err := query.Build(schema, r)
	if err != nil {
		return nil, err
	}

	rows, err := s.database.Query(r.Context(), built.SQL, built.Args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols := rows.FieldDescriptions()
	results := make([]map[string]interface{}, 0, built.Limit)
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, err
		}
		results = append(results, rowToMap(cols, vals))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	hasNext := len(results) > built.Limit
	if hasNext {
		results = results[:built.Limit]
	}

	meta := query.PaginationMeta{Limit: built.Limit, HasNext: hasNext}
	if hasNext && len(results) > 0 {
		cursor := query.EncodeCursor(results[len(results)-1], built.Sorts)
		meta.NextCursor = &cursor
	}

	return &listResponse{Rows: results, Page: meta}, nil
}

// rowToMap converts a queried row into a JSON-friendly map keyed by column
// alias, passing scalar values through as-is; the adapters (pgx, embedded
// postgres) already decode into native Go types.
func rowToMap(cols []db.FieldDescription, values []interface{}) map[string]interface{} {
	record := make(map[string]interface{}, len(cols))
	for i, c := range cols {
		record[c.Name] = values[i]
	}
	return record
}
