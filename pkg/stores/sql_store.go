package stores

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/openfroyo/orchestra/pkg/engine"
)

// maxCASAttempts bounds optimistic retries when concurrent writers bump a row version.
const maxCASAttempts = 16

// dialect captures the differences between the SQL backends.
type dialect struct {
	// name is the golang-migrate database name.
	name string

	// driverName is the database/sql driver name.
	driverName string

	// numbered selects $n placeholders instead of ?.
	numbered bool
}

// SQLStore implements engine.Store on database/sql.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	cfg     Config
	dsn     string
}

// DB returns the underlying connection pool.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// HealthCheck verifies the database connection is healthy.
func (s *SQLStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("ping database", err)
	}
	return nil
}

// rebind rewrites ? placeholders for dialects that number them.
func (s *SQLStore) rebind(query string) string {
	if !s.dialect.numbered {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteString("$")
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func (s *SQLStore) exec(ctx context.Context, op, query string, args ...interface{}) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return 0, unavailable(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, unavailable(op, err)
	}
	return n, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// marshalDocument encodes a stored document. HTML escaping is off so that
// expression delimiters in parameters stay readable in the database.
func marshalDocument(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// SavePlan stores a plan document.
func (s *SQLStore) SavePlan(ctx context.Context, plan *engine.Plan) error {
	body, err := marshalDocument(plan)
	if err != nil {
		return fmt.Errorf("failed to marshal plan: %w", err)
	}

	query := `
		INSERT INTO plans (id, body, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`
	if _, err := s.exec(ctx, "save plan", query, plan.ID, string(body), time.Now().UnixNano()); err != nil {
		return err
	}
	return nil
}

// GetPlan retrieves a plan by id.
func (s *SQLStore) GetPlan(ctx context.Context, planID string) (*engine.Plan, error) {
	var body string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT body FROM plans WHERE id = ?`), planID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("plan", planID)
	}
	if err != nil {
		return nil, unavailable("get plan", err)
	}

	plan := &engine.Plan{}
	if err := json.Unmarshal([]byte(body), plan); err != nil {
		return nil, fmt.Errorf("failed to unmarshal plan: %w", err)
	}
	if err := plan.Validate(nil); err != nil {
		return nil, err
	}
	return plan, nil
}

// CreatePlanExecution inserts a new plan execution.
func (s *SQLStore) CreatePlanExecution(ctx context.Context, pe *engine.PlanExecution) error {
	now := time.Now().UTC()
	if pe.StartedAt.IsZero() {
		pe.StartedAt = now
	}
	pe.UpdatedAt = now

	abstractions, err := json.Marshal(pe.SetupAbstractions)
	if err != nil {
		return fmt.Errorf("failed to marshal setup abstractions: %w", err)
	}

	query := `
		INSERT INTO plan_executions (id, plan_id, status, setup_abstractions, starting_runtime_id, started_at, ended_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, NULL, ?)
	`
	_, err = s.exec(ctx, "create plan execution", query,
		pe.ID,
		pe.PlanID,
		string(pe.Status),
		string(abstractions),
		pe.StartingRuntimeID,
		unixNano(pe.StartedAt),
		unixNano(pe.UpdatedAt),
	)
	return err
}

const planExecutionColumns = `id, plan_id, status, setup_abstractions, starting_runtime_id, started_at, ended_at, updated_at`

func scanPlanExecution(row interface{ Scan(...interface{}) error }) (*engine.PlanExecution, error) {
	var (
		pe           engine.PlanExecution
		status       string
		abstractions string
		startedAt    int64
		endedAt      sql.NullInt64
		updatedAt    int64
	)
	if err := row.Scan(&pe.ID, &pe.PlanID, &status, &abstractions, &pe.StartingRuntimeID, &startedAt, &endedAt, &updatedAt); err != nil {
		return nil, err
	}
	pe.Status = engine.PlanStatus(status)
	pe.StartedAt = fromUnixNano(startedAt)
	pe.UpdatedAt = fromUnixNano(updatedAt)
	if endedAt.Valid {
		t := fromUnixNano(endedAt.Int64)
		pe.EndedAt = &t
	}
	if abstractions != "" && abstractions != "null" {
		if err := json.Unmarshal([]byte(abstractions), &pe.SetupAbstractions); err != nil {
			return nil, fmt.Errorf("failed to unmarshal setup abstractions: %w", err)
		}
	}
	return &pe, nil
}

// GetPlanExecution retrieves a plan execution by id.
func (s *SQLStore) GetPlanExecution(ctx context.Context, id string) (*engine.PlanExecution, error) {
	query := `SELECT ` + planExecutionColumns + ` FROM plan_executions WHERE id = ?`
	pe, err := scanPlanExecution(s.db.QueryRowContext(ctx, s.rebind(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("plan execution", id)
	}
	if err != nil {
		return nil, unavailable("get plan execution", err)
	}
	return pe, nil
}

// UpdatePlanExecutionStatus sets the status if the current status is in from.
func (s *SQLStore) UpdatePlanExecutionStatus(ctx context.Context, id string, to engine.PlanStatus, from []engine.PlanStatus) (bool, error) {
	now := time.Now().UnixNano()
	var endedAt interface{}
	if to.IsTerminal() {
		endedAt = now
	}

	args := []interface{}{string(to), now, endedAt, id}
	query := `UPDATE plan_executions SET status = ?, updated_at = ?, ended_at = COALESCE(CAST(? AS BIGINT), ended_at) WHERE id = ?`
	if len(from) > 0 {
		query += ` AND status IN (` + placeholders(len(from)) + `)`
		for _, st := range from {
			args = append(args, string(st))
		}
	}

	n, err := s.exec(ctx, "update plan execution status", query, args...)
	if err != nil {
		return false, err
	}
	if n == 0 {
		if _, err := s.GetPlanExecution(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// ListPlanExecutions lists plan executions, optionally filtered by status.
func (s *SQLStore) ListPlanExecutions(ctx context.Context, statuses []engine.PlanStatus) ([]*engine.PlanExecution, error) {
	query := `SELECT ` + planExecutionColumns + ` FROM plan_executions`
	args := make([]interface{}, 0, len(statuses))
	if len(statuses) > 0 {
		query += ` WHERE status IN (` + placeholders(len(statuses)) + `)`
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY started_at ASC`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, unavailable("list plan executions", err)
	}
	defer rows.Close()

	var out []*engine.PlanExecution
	for rows.Next() {
		pe, err := scanPlanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan plan execution: %w", err)
		}
		out = append(out, pe)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list plan executions", err)
	}
	return out, nil
}

// CreateNodeExecution inserts a node execution unless the runtime id exists.
func (s *SQLStore) CreateNodeExecution(ctx context.Context, ne *engine.NodeExecution) (bool, error) {
	now := time.Now().UTC()
	if ne.CreatedAt.IsZero() {
		ne.CreatedAt = now
	}
	ne.UpdatedAt = now
	if ne.Version == 0 {
		ne.Version = 1
	}

	body, err := marshalDocument(ne)
	if err != nil {
		return false, fmt.Errorf("failed to marshal node execution: %w", err)
	}

	query := `
		INSERT INTO node_executions (runtime_id, plan_execution_id, setup_id, parent_runtime_id, status, version, body, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (runtime_id) DO NOTHING
	`
	n, err := s.exec(ctx, "create node execution", query,
		ne.RuntimeID,
		ne.PlanExecutionID,
		ne.SetupID,
		ne.ParentRuntimeID,
		string(ne.Status),
		ne.Version,
		string(body),
		unixNano(ne.CreatedAt),
	)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func decodeNodeExecution(body string) (*engine.NodeExecution, error) {
	ne := &engine.NodeExecution{}
	if err := json.Unmarshal([]byte(body), ne); err != nil {
		return nil, fmt.Errorf("failed to unmarshal node execution: %w", err)
	}
	return ne, nil
}

// GetNodeExecution retrieves a node execution by runtime id.
func (s *SQLStore) GetNodeExecution(ctx context.Context, runtimeID string) (*engine.NodeExecution, error) {
	var body string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT body FROM node_executions WHERE runtime_id = ?`), runtimeID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("node execution", runtimeID)
	}
	if err != nil {
		return nil, unavailable("get node execution", err)
	}
	return decodeNodeExecution(body)
}

// UpdateNodeExecution applies mutate if the current status is in from.
// An empty from set applies the mutation unconditionally.
func (s *SQLStore) UpdateNodeExecution(
	ctx context.Context,
	runtimeID string,
	from []engine.Status,
	mutate engine.NodeMutation,
) (*engine.NodeExecution, bool, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		current, err := s.GetNodeExecution(ctx, runtimeID)
		if err != nil {
			return nil, false, err
		}
		if len(from) > 0 && !containsStatus(from, current.Status) {
			return current, false, nil
		}

		next := current.Clone()
		mutate(next)
		stampNodeUpdate(current, next)

		body, err := marshalDocument(next)
		if err != nil {
			return nil, false, fmt.Errorf("failed to marshal node execution: %w", err)
		}

		query := `UPDATE node_executions SET status = ?, version = ?, body = ? WHERE runtime_id = ? AND version = ?`
		n, err := s.exec(ctx, "update node execution", query,
			string(next.Status), next.Version, string(body), runtimeID, current.Version)
		if err != nil {
			return nil, false, err
		}
		if n == 1 {
			return next, true, nil
		}
	}

	return nil, false, engine.NewConflictError("node execution update lost to concurrent writers", nil).
		WithCode(engine.ErrCodeStatusConflict).
		WithResource(runtimeID)
}

// stampNodeUpdate sets bookkeeping fields after a mutation.
func stampNodeUpdate(current, next *engine.NodeExecution) {
	now := time.Now().UTC()
	next.RuntimeID = current.RuntimeID
	next.Version = current.Version + 1
	next.UpdatedAt = now
	if next.Status.IsTerminal() && next.EndedAt == nil {
		next.EndedAt = &now
	}
}

func (s *SQLStore) queryNodeExecutions(ctx context.Context, query string, args ...interface{}) ([]*engine.NodeExecution, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, unavailable("list node executions", err)
	}
	defer rows.Close()

	var out []*engine.NodeExecution
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("failed to scan node execution: %w", err)
		}
		ne, err := decodeNodeExecution(body)
		if err != nil {
			return nil, err
		}
		out = append(out, ne)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list node executions", err)
	}
	return out, nil
}

// ListNodeExecutions lists node executions of a plan execution in creation order.
func (s *SQLStore) ListNodeExecutions(ctx context.Context, planExecutionID string, statuses []engine.Status) ([]*engine.NodeExecution, error) {
	query := `SELECT body FROM node_executions WHERE plan_execution_id = ?`
	args := []interface{}{planExecutionID}
	if len(statuses) > 0 {
		query += ` AND status IN (` + placeholders(len(statuses)) + `)`
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY seq ASC`
	return s.queryNodeExecutions(ctx, query, args...)
}

// ListChildNodeExecutions lists node executions spawned by a parent.
func (s *SQLStore) ListChildNodeExecutions(ctx context.Context, parentRuntimeID string) ([]*engine.NodeExecution, error) {
	return s.queryNodeExecutions(ctx,
		`SELECT body FROM node_executions WHERE parent_runtime_id = ? ORDER BY seq ASC`, parentRuntimeID)
}

// RecordTaskResult stores a task result once per (runtime id, task id).
func (s *SQLStore) RecordTaskResult(ctx context.Context, runtimeID string, result *engine.TaskResult) (bool, error) {
	if result.ReceivedAt.IsZero() {
		result.ReceivedAt = time.Now().UTC()
	}
	body, err := marshalDocument(result)
	if err != nil {
		return false, fmt.Errorf("failed to marshal task result: %w", err)
	}

	query := `
		INSERT INTO task_results (runtime_id, task_id, body, received_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (runtime_id, task_id) DO NOTHING
	`
	n, err := s.exec(ctx, "record task result", query, runtimeID, result.TaskID, string(body), unixNano(result.ReceivedAt))
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ListTaskResults returns the recorded task results of a node execution.
func (s *SQLStore) ListTaskResults(ctx context.Context, runtimeID string) (map[string]*engine.TaskResult, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT body FROM task_results WHERE runtime_id = ?`), runtimeID)
	if err != nil {
		return nil, unavailable("list task results", err)
	}
	defer rows.Close()

	out := make(map[string]*engine.TaskResult)
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("failed to scan task result: %w", err)
		}
		result := &engine.TaskResult{}
		if err := json.Unmarshal([]byte(body), result); err != nil {
			return nil, fmt.Errorf("failed to unmarshal task result: %w", err)
		}
		out[result.TaskID] = result
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list task results", err)
	}
	return out, nil
}

const outputColumns = `id, plan_execution_id, name, kind, producer_setup_id, producer_runtime_id, scope_key, grp, codec, value, blob_key, created_at`

func scanOutput(row interface{ Scan(...interface{}) error }) (*engine.OutputInstance, error) {
	var (
		out       engine.OutputInstance
		kind      string
		value     []byte
		createdAt int64
	)
	if err := row.Scan(&out.ID, &out.PlanExecutionID, &out.Name, &kind, &out.ProducerSetupID,
		&out.ProducerRuntimeID, &out.ScopeKey, &out.Group, &out.Codec, &value, &out.BlobKey, &createdAt); err != nil {
		return nil, err
	}
	out.Kind = engine.OutputKind(kind)
	out.Value = value
	out.CreatedAt = fromUnixNano(createdAt)
	return &out, nil
}

// InsertOutput stores an output instance. The first producer to write a name
// in a scope owns it: another producer conflicts, while a later attempt of the
// owner appends a newer instance. Rewrites by the same attempt conflict too.
func (s *SQLStore) InsertOutput(ctx context.Context, out *engine.OutputInstance) error {
	if out.CreatedAt.IsZero() {
		out.CreatedAt = time.Now().UTC()
	}

	claim := `
		INSERT INTO output_slots (plan_execution_id, scope_key, kind, name, producer_setup_id)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (plan_execution_id, scope_key, kind, name) DO NOTHING
	`
	if _, err := s.exec(ctx, "claim output", claim,
		out.PlanExecutionID, out.ScopeKey, string(out.Kind), out.Name, out.ProducerSetupID); err != nil {
		return err
	}
	var owner string
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT producer_setup_id FROM output_slots
		WHERE plan_execution_id = ? AND scope_key = ? AND kind = ? AND name = ?`),
		out.PlanExecutionID, out.ScopeKey, string(out.Kind), out.Name,
	).Scan(&owner)
	if err != nil {
		return unavailable("claim output", err)
	}
	if owner != out.ProducerSetupID {
		return duplicateOutput(out)
	}

	query := `
		INSERT INTO outputs (` + outputColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (plan_execution_id, scope_key, kind, name, producer_runtime_id) DO NOTHING
	`
	n, err := s.exec(ctx, "insert output", query,
		out.ID,
		out.PlanExecutionID,
		out.Name,
		string(out.Kind),
		out.ProducerSetupID,
		out.ProducerRuntimeID,
		out.ScopeKey,
		out.Group,
		out.Codec,
		out.Value,
		out.BlobKey,
		unixNano(out.CreatedAt),
	)
	if err != nil {
		return err
	}
	if n == 0 {
		return duplicateOutput(out)
	}
	return nil
}

func (s *SQLStore) queryOutput(ctx context.Context, op, query string, args ...interface{}) (*engine.OutputInstance, error) {
	out, err := scanOutput(s.db.QueryRowContext(ctx, s.rebind(query), args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("output", fmt.Sprint(args...))
	}
	if err != nil {
		return nil, unavailable(op, err)
	}
	return out, nil
}

// FindOutput returns the newest instance written under an exact scope key.
func (s *SQLStore) FindOutput(ctx context.Context, planExecutionID string, kind engine.OutputKind, name, scopeKey string) (*engine.OutputInstance, error) {
	query := `SELECT ` + outputColumns + ` FROM outputs
		WHERE plan_execution_id = ? AND kind = ? AND name = ? AND scope_key = ?
		ORDER BY seq DESC LIMIT 1`
	return s.queryOutput(ctx, "find output", query, planExecutionID, string(kind), name, scopeKey)
}

// FindLatestOutputByProducer returns the most recent instance from one producer.
func (s *SQLStore) FindLatestOutputByProducer(ctx context.Context, planExecutionID string, kind engine.OutputKind, name, producerSetupID string) (*engine.OutputInstance, error) {
	query := `SELECT ` + outputColumns + ` FROM outputs
		WHERE plan_execution_id = ? AND kind = ? AND name = ? AND producer_setup_id = ?
		ORDER BY seq DESC LIMIT 1`
	return s.queryOutput(ctx, "find output by producer", query, planExecutionID, string(kind), name, producerSetupID)
}

// GetOutput retrieves an instance by id.
func (s *SQLStore) GetOutput(ctx context.Context, id string) (*engine.OutputInstance, error) {
	return s.queryOutput(ctx, "get output", `SELECT `+outputColumns+` FROM outputs WHERE id = ?`, id)
}

// ListOutputsByRuntimeID lists instances written by one node execution.
func (s *SQLStore) ListOutputsByRuntimeID(ctx context.Context, runtimeID string) ([]*engine.OutputInstance, error) {
	rows, err := s.db.QueryContext(ctx,
		s.rebind(`SELECT `+outputColumns+` FROM outputs WHERE producer_runtime_id = ? ORDER BY seq ASC`), runtimeID)
	if err != nil {
		return nil, unavailable("list outputs", err)
	}
	defer rows.Close()

	var out []*engine.OutputInstance
	for rows.Next() {
		o, err := scanOutput(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan output: %w", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list outputs", err)
	}
	return out, nil
}

const interruptColumns = `id, plan_execution_id, type, target_runtime_id, state, reason, error, created_at, updated_at`

func scanInterrupt(row interface{ Scan(...interface{}) error }) (*engine.Interrupt, error) {
	var (
		in        engine.Interrupt
		typ       string
		state     string
		createdAt int64
		updatedAt int64
	)
	if err := row.Scan(&in.ID, &in.PlanExecutionID, &typ, &in.TargetRuntimeID, &state,
		&in.Reason, &in.Error, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	in.Type = engine.InterruptType(typ)
	in.State = engine.InterruptState(state)
	in.CreatedAt = fromUnixNano(createdAt)
	in.UpdatedAt = fromUnixNano(updatedAt)
	return &in, nil
}

// CreateInterrupt inserts an interrupt.
func (s *SQLStore) CreateInterrupt(ctx context.Context, in *engine.Interrupt) error {
	now := time.Now().UTC()
	if in.CreatedAt.IsZero() {
		in.CreatedAt = now
	}
	in.UpdatedAt = now

	query := `INSERT INTO interrupts (` + interruptColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.exec(ctx, "create interrupt", query,
		in.ID,
		in.PlanExecutionID,
		string(in.Type),
		in.TargetRuntimeID,
		string(in.State),
		in.Reason,
		in.Error,
		unixNano(in.CreatedAt),
		unixNano(in.UpdatedAt),
	)
	return err
}

// GetInterrupt retrieves an interrupt by id.
func (s *SQLStore) GetInterrupt(ctx context.Context, id string) (*engine.Interrupt, error) {
	in, err := scanInterrupt(s.db.QueryRowContext(ctx, s.rebind(`SELECT `+interruptColumns+` FROM interrupts WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("interrupt", id)
	}
	if err != nil {
		return nil, unavailable("get interrupt", err)
	}
	return in, nil
}

// UpdateInterruptState sets the state if the current state is in from.
func (s *SQLStore) UpdateInterruptState(ctx context.Context, id string, to engine.InterruptState, from []engine.InterruptState, errMsg string) (bool, error) {
	args := []interface{}{string(to), errMsg, time.Now().UnixNano(), id}
	query := `UPDATE interrupts SET state = ?, error = ?, updated_at = ? WHERE id = ?`
	if len(from) > 0 {
		query += ` AND state IN (` + placeholders(len(from)) + `)`
		for _, st := range from {
			args = append(args, string(st))
		}
	}

	n, err := s.exec(ctx, "update interrupt state", query, args...)
	if err != nil {
		return false, err
	}
	if n == 0 {
		if _, err := s.GetInterrupt(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// ListInterrupts lists interrupts of a plan execution in registration order.
func (s *SQLStore) ListInterrupts(ctx context.Context, planExecutionID string, states []engine.InterruptState) ([]*engine.Interrupt, error) {
	query := `SELECT ` + interruptColumns + ` FROM interrupts WHERE plan_execution_id = ?`
	args := []interface{}{planExecutionID}
	if len(states) > 0 {
		query += ` AND state IN (` + placeholders(len(states)) + `)`
		for _, st := range states {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY seq ASC`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, unavailable("list interrupts", err)
	}
	defer rows.Close()

	var out []*engine.Interrupt
	for rows.Next() {
		in, err := scanInterrupt(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan interrupt: %w", err)
		}
		out = append(out, in)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list interrupts", err)
	}
	return out, nil
}
