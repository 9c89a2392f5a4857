package workflow

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/tessera/model"
)

//go:embed schema.sql
var schemaSQL string

// uniqueViolation is the PostgreSQL SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// PgStore is a PostgreSQL-backed Store using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Migrate creates the workflow tables if they do not exist.
func (s *PgStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate workflow schema: %w", err)
	}
	return nil
}

// HealthCheck pings the database.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// --- Definitions ---

const definitionColumns = `id, tenant_id, key, version, name, status, type, spec, created_at`

// CreateDefinition inserts a definition.
func (s *PgStore) CreateDefinition(ctx context.Context, def model.Definition) (model.Definition, error) {
	specJSON, err := json.Marshal(def.Spec)
	if err != nil {
		return model.Definition{}, fmt.Errorf("marshal spec: %w", err)
	}

	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if def.Version == 0 {
			if err := tx.QueryRow(ctx, `
				SELECT COALESCE(MAX(version), 0) + 1
				FROM workflow_definitions
				WHERE tenant_id = $1 AND key = $2`,
				def.TenantID, def.Key,
			).Scan(&def.Version); err != nil {
				return fmt.Errorf("next definition version: %w", err)
			}
		}
		if def.Status == model.DefinitionStatusActive {
			if err := deactivate(ctx, tx, def.TenantID, def.Key, def.ID); err != nil {
				return err
			}
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO workflow_definitions (`+definitionColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			def.ID, def.TenantID, def.Key, def.Version, def.Name, def.Status, def.Type, specJSON, def.CreatedAt,
		)
		return err
	})
	if isUniqueViolation(err) {
		return model.Definition{}, model.NewConflictError(
			fmt.Sprintf("definition %q version %d already exists", def.Key, def.Version),
		)
	}
	if err != nil {
		return model.Definition{}, fmt.Errorf("insert definition: %w", err)
	}
	return def, nil
}

// GetDefinition retrieves a definition by ID, scoped to tenant.
func (s *PgStore) GetDefinition(ctx context.Context, tenantID, id string) (model.Definition, error) {
	def, err := scanDefinition(s.pool.QueryRow(ctx, `
		SELECT `+definitionColumns+`
		FROM workflow_definitions
		WHERE id = $1 AND tenant_id = $2`,
		id, tenantID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Definition{}, model.NewNotFoundError(fmt.Sprintf("definition %q not found", id))
	}
	if err != nil {
		return model.Definition{}, fmt.Errorf("query definition: %w", err)
	}
	return def, nil
}

// ResolveDefinition finds a definition by key and optional version.
func (s *PgStore) ResolveDefinition(ctx context.Context, tenantID, key string, version int) (model.Definition, error) {
	var row pgx.Row
	if version == 0 {
		row = s.pool.QueryRow(ctx, `
			SELECT `+definitionColumns+`
			FROM workflow_definitions
			WHERE tenant_id = $1 AND key = $2 AND status = $3`,
			tenantID, key, model.DefinitionStatusActive,
		)
	} else {
		row = s.pool.QueryRow(ctx, `
			SELECT `+definitionColumns+`
			FROM workflow_definitions
			WHERE tenant_id = $1 AND key = $2 AND version = $3`,
			tenantID, key, version,
		)
	}
	def, err := scanDefinition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		if version == 0 {
			return model.Definition{}, model.NewNotFoundError(fmt.Sprintf("no active definition for key %q", key))
		}
		return model.Definition{}, model.NewNotFoundError(fmt.Sprintf("definition %q version %d not found", key, version))
	}
	if err != nil {
		return model.Definition{}, fmt.Errorf("resolve definition: %w", err)
	}
	return def, nil
}

// ListDefinitions returns definitions ordered by key then version.
func (s *PgStore) ListDefinitions(ctx context.Context, tenantID string, filters model.DefinitionFilters) ([]model.Definition, error) {
	where := []string{"tenant_id = $1"}
	args := []any{tenantID}
	if filters.Key != "" {
		args = append(args, filters.Key)
		where = append(where, fmt.Sprintf("key = $%d", len(args)))
	}
	if filters.Type != "" {
		args = append(args, filters.Type)
		where = append(where, fmt.Sprintf("type = $%d", len(args)))
	}
	if filters.Status != "" {
		args = append(args, filters.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+definitionColumns+`
		FROM workflow_definitions
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY key, version`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("list definitions: %w", err)
	}
	defer rows.Close()

	var result []model.Definition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan definition: %w", err)
		}
		result = append(result, def)
	}
	return result, rows.Err()
}

// SetDefinitionStatus changes the status of one definition.
func (s *PgStore) SetDefinitionStatus(ctx context.Context, tenantID, id, status string) (model.Definition, error) {
	var def model.Definition
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		def, err = scanDefinition(tx.QueryRow(ctx, `
			SELECT `+definitionColumns+`
			FROM workflow_definitions
			WHERE id = $1 AND tenant_id = $2
			FOR UPDATE`,
			id, tenantID,
		))
		if err != nil {
			return err
		}
		if status == model.DefinitionStatusActive {
			if err := deactivate(ctx, tx, tenantID, def.Key, def.ID); err != nil {
				return err
			}
		}
		_, err = tx.Exec(ctx, `UPDATE workflow_definitions SET status = $1 WHERE id = $2`, status, id)
		def.Status = status
		return err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Definition{}, model.NewNotFoundError(fmt.Sprintf("definition %q not found", id))
	}
	if err != nil {
		return model.Definition{}, fmt.Errorf("update definition status: %w", err)
	}
	return def, nil
}

func deactivate(ctx context.Context, q querier, tenantID, key, exceptID string) error {
	_, err := q.Exec(ctx, `
		UPDATE workflow_definitions SET status = $1
		WHERE tenant_id = $2 AND key = $3 AND status = $4 AND id <> $5`,
		model.DefinitionStatusInactive, tenantID, key, model.DefinitionStatusActive, exceptID,
	)
	if err != nil {
		return fmt.Errorf("deactivate definitions: %w", err)
	}
	return nil
}

func scanDefinition(row scanner) (model.Definition, error) {
	var def model.Definition
	var specJSON []byte
	if err := row.Scan(
		&def.ID, &def.TenantID, &def.Key, &def.Version, &def.Name,
		&def.Status, &def.Type, &specJSON, &def.CreatedAt,
	); err != nil {
		return model.Definition{}, err
	}
	if err := json.Unmarshal(specJSON, &def.Spec); err != nil {
		return model.Definition{}, fmt.Errorf("unmarshal spec: %w", err)
	}
	return def, nil
}

// --- Instances ---

const instanceColumns = `id, tenant_id, definition_id, business_key, status, current_state,
	context, revision, event_cursor, started_at, updated_at, completed_at`

// StartInstance inserts an instance and its start event, or returns the
// existing instance for a duplicate business key.
func (s *PgStore) StartInstance(ctx context.Context, inst model.Instance, started model.Event) (model.Instance, bool, error) {
	contextJSON, err := json.Marshal(inst.Context)
	if err != nil {
		return model.Instance{}, false, fmt.Errorf("marshal context: %w", err)
	}

	created := true
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO workflow_instances (`+instanceColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (tenant_id, definition_id, business_key) WHERE business_key IS NOT NULL
			DO NOTHING`,
			inst.ID, inst.TenantID, inst.DefinitionID, nullable(inst.BusinessKey), inst.Status, inst.CurrentState,
			contextJSON, inst.Revision, inst.EventCursor, inst.StartedAt, inst.UpdatedAt, inst.CompletedAt,
		)
		if err != nil {
			return fmt.Errorf("insert instance: %w", err)
		}
		if tag.RowsAffected() == 0 {
			created = false
			inst, err = scanInstance(tx.QueryRow(ctx, `
				SELECT `+instanceColumns+`
				FROM workflow_instances
				WHERE tenant_id = $1 AND definition_id = $2 AND business_key = $3`,
				inst.TenantID, inst.DefinitionID, inst.BusinessKey,
			))
			return err
		}
		_, err = insertEvent(ctx, tx, inst.ID, started)
		return err
	})
	if err != nil {
		return model.Instance{}, false, fmt.Errorf("start instance: %w", err)
	}
	return inst, created, nil
}

// GetInstance retrieves an instance by ID, scoped to tenant.
func (s *PgStore) GetInstance(ctx context.Context, tenantID, id string) (model.Instance, error) {
	inst, err := scanInstance(s.pool.QueryRow(ctx, `
		SELECT `+instanceColumns+`
		FROM workflow_instances
		WHERE id = $1 AND tenant_id = $2`,
		id, tenantID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Instance{}, model.NewNotFoundError(fmt.Sprintf("instance %q not found", id))
	}
	if err != nil {
		return model.Instance{}, fmt.Errorf("query instance: %w", err)
	}
	return inst, nil
}

// ListInstances returns a tenant's instances, newest first.
func (s *PgStore) ListInstances(ctx context.Context, tenantID string, filters model.InstanceFilters) ([]model.Instance, error) {
	where := []string{"tenant_id = $1"}
	args := []any{tenantID}
	if filters.DefinitionID != "" {
		args = append(args, filters.DefinitionID)
		where = append(where, fmt.Sprintf("definition_id = $%d", len(args)))
	}
	if filters.Status != "" {
		args = append(args, filters.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+instanceColumns+`
		FROM workflow_instances
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY started_at DESC`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	defer rows.Close()

	var result []model.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		result = append(result, inst)
	}
	return result, rows.Err()
}

// AppendEvents appends events to an instance's log. The instance row stays
// locked until commit.
func (s *PgStore) AppendEvents(ctx context.Context, tenantID, instanceID string, events ...model.Event) ([]model.Event, error) {
	out := make([]model.Event, 0, len(events))
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		inst := model.Instance{ID: instanceID, TenantID: tenantID}
		err := tx.QueryRow(ctx, `
			SELECT status FROM workflow_instances
			WHERE id = $1 AND tenant_id = $2
			FOR UPDATE`,
			instanceID, tenantID,
		).Scan(&inst.Status)
		if errors.Is(err, pgx.ErrNoRows) {
			return model.NewNotFoundError(fmt.Sprintf("instance %q not found", instanceID))
		}
		if err != nil {
			return err
		}
		if err := checkSignals(inst, events); err != nil {
			return err
		}
		for _, ev := range events {
			stored, err := insertEvent(ctx, tx, instanceID, ev)
			if err != nil {
				return err
			}
			out = append(out, stored)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("append events: %w", err)
	}
	return out, nil
}

// ListEvents returns events with Seq > afterSeq in insertion order.
func (s *PgStore) ListEvents(ctx context.Context, tenantID, instanceID string, afterSeq int64) ([]model.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT seq, id, tenant_id, instance_id, type, payload, signal, created_at
		FROM workflow_events
		WHERE instance_id = $1 AND tenant_id = $2 AND seq > $3
		ORDER BY seq`,
		instanceID, tenantID, afterSeq,
	)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var result []model.Event
	for rows.Next() {
		var ev model.Event
		var payloadJSON, signalJSON []byte
		if err := rows.Scan(&ev.Seq, &ev.ID, &ev.TenantID, &ev.InstanceID, &ev.Type,
			&payloadJSON, &signalJSON, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if payloadJSON != nil {
			if err := json.Unmarshal(payloadJSON, &ev.Payload); err != nil {
				return nil, fmt.Errorf("unmarshal payload: %w", err)
			}
		}
		if signalJSON != nil && string(signalJSON) != "null" {
			ev.Signal = &model.MachineEvent{}
			if err := json.Unmarshal(signalJSON, ev.Signal); err != nil {
				return nil, fmt.Errorf("unmarshal signal: %w", err)
			}
		}
		result = append(result, ev)
	}
	return result, rows.Err()
}

// ApplyTransition commits one interpreter step with an optimistic revision
// check.
func (s *PgStore) ApplyTransition(ctx context.Context, tr Transition) (model.Instance, error) {
	inst := tr.Instance
	contextJSON, err := json.Marshal(inst.Context)
	if err != nil {
		return model.Instance{}, fmt.Errorf("marshal context: %w", err)
	}

	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE workflow_instances SET
				status = $1, current_state = $2, context = $3,
				revision = revision + 1, event_cursor = $4,
				updated_at = $5, completed_at = $6
			WHERE id = $7 AND tenant_id = $8 AND revision = $9`,
			inst.Status, inst.CurrentState, contextJSON,
			inst.EventCursor, inst.UpdatedAt, inst.CompletedAt,
			inst.ID, inst.TenantID, inst.Revision,
		)
		if err != nil {
			return fmt.Errorf("update instance: %w", err)
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM workflow_instances WHERE id = $1 AND tenant_id = $2)`,
				inst.ID, inst.TenantID,
			).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return model.NewNotFoundError(fmt.Sprintf("instance %q not found", inst.ID))
			}
			return model.NewConflictError(fmt.Sprintf("instance %q revision conflict (expected %d)", inst.ID, inst.Revision))
		}

		for _, ev := range tr.Events {
			if _, err := insertEvent(ctx, tx, inst.ID, ev); err != nil {
				return err
			}
		}
		for _, t := range tr.Tasks {
			if err := insertTask(ctx, tx, t); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return model.Instance{}, fmt.Errorf("apply transition: %w", err)
	}
	inst.Revision++
	return inst, nil
}

func scanInstance(row scanner) (model.Instance, error) {
	var inst model.Instance
	var businessKey *string
	var contextJSON []byte
	if err := row.Scan(
		&inst.ID, &inst.TenantID, &inst.DefinitionID, &businessKey, &inst.Status, &inst.CurrentState,
		&contextJSON, &inst.Revision, &inst.EventCursor, &inst.StartedAt, &inst.UpdatedAt, &inst.CompletedAt,
	); err != nil {
		return model.Instance{}, err
	}
	if businessKey != nil {
		inst.BusinessKey = *businessKey
	}
	if contextJSON != nil {
		if err := json.Unmarshal(contextJSON, &inst.Context); err != nil {
			return model.Instance{}, fmt.Errorf("unmarshal context: %w", err)
		}
	}
	return inst, nil
}

func insertEvent(ctx context.Context, q querier, instanceID string, ev model.Event) (model.Event, error) {
	payloadJSON, err := json.Marshal(ev.Payload)
	if err != nil {
		return model.Event{}, fmt.Errorf("marshal payload: %w", err)
	}
	var signalJSON []byte
	if ev.Signal != nil {
		if signalJSON, err = json.Marshal(ev.Signal); err != nil {
			return model.Event{}, fmt.Errorf("marshal signal: %w", err)
		}
	}
	ev.InstanceID = instanceID

	// Bumping last_seq takes the instance row lock, so a lower seq can never
	// commit after a higher one.
	if err := q.QueryRow(ctx, `
		UPDATE workflow_instances SET last_seq = last_seq + 1
		WHERE id = $1
		RETURNING last_seq`,
		instanceID,
	).Scan(&ev.Seq); err != nil {
		return model.Event{}, fmt.Errorf("allocate event seq: %w", err)
	}
	if _, err := q.Exec(ctx, `
		INSERT INTO workflow_events (instance_id, seq, id, tenant_id, type, payload, signal, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		instanceID, ev.Seq, ev.ID, ev.TenantID, ev.Type, payloadJSON, signalJSON, ev.CreatedAt,
	); err != nil {
		return model.Event{}, fmt.Errorf("insert event: %w", err)
	}
	return ev, nil
}

// --- Tasks ---

const taskColumns = `id, tenant_id, instance_id, type, name, status, input, output, error,
	assignee_user_id, assignee_role_id, assignee_permission_key, due_at, created_at, completed_at`

// GetTask retrieves a task by ID, scoped to tenant.
func (s *PgStore) GetTask(ctx context.Context, tenantID, id string) (model.Task, error) {
	t, err := scanTask(s.pool.QueryRow(ctx, `
		SELECT `+taskColumns+`
		FROM workflow_tasks
		WHERE id = $1 AND tenant_id = $2`,
		id, tenantID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Task{}, model.NewNotFoundError(fmt.Sprintf("task %q not found", id))
	}
	if err != nil {
		return model.Task{}, fmt.Errorf("query task: %w", err)
	}
	return t, nil
}

// ListTasks returns tasks in creation order.
func (s *PgStore) ListTasks(ctx context.Context, tenantID string, filters model.TaskFilters) ([]model.Task, error) {
	where := []string{"tenant_id = $1"}
	args := []any{tenantID}
	if filters.InstanceID != "" {
		args = append(args, filters.InstanceID)
		where = append(where, fmt.Sprintf("instance_id = $%d", len(args)))
	}
	if filters.Status != "" {
		args = append(args, filters.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filters.AssigneeUserID != "" {
		args = append(args, filters.AssigneeUserID)
		where = append(where, fmt.Sprintf("assignee_user_id = $%d", len(args)))
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+`
		FROM workflow_tasks
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY created_at, id`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var result []model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

// ResolveTask moves a PENDING task to its final status.
func (s *PgStore) ResolveTask(ctx context.Context, res TaskResolution) (model.Task, error) {
	outputJSON, err := json.Marshal(res.Output)
	if err != nil {
		return model.Task{}, fmt.Errorf("marshal output: %w", err)
	}

	var t model.Task
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		t, err = scanTask(tx.QueryRow(ctx, `
			UPDATE workflow_tasks SET status = $1, output = $2, error = $3, completed_at = $4
			WHERE id = $5 AND tenant_id = $6 AND status = $7
			RETURNING `+taskColumns,
			res.Status, outputJSON, res.Error, res.CompletedAt,
			res.TaskID, res.TenantID, model.TaskStatusPending,
		))
		if errors.Is(err, pgx.ErrNoRows) {
			var status string
			err := tx.QueryRow(ctx,
				`SELECT status FROM workflow_tasks WHERE id = $1 AND tenant_id = $2`,
				res.TaskID, res.TenantID,
			).Scan(&status)
			if errors.Is(err, pgx.ErrNoRows) {
				return model.NewNotFoundError(fmt.Sprintf("task %q not found", res.TaskID))
			}
			if err != nil {
				return err
			}
			return model.NewConflictError(fmt.Sprintf("task %q is not PENDING (status %s)", res.TaskID, status))
		}
		if err != nil {
			return err
		}
		_, err = insertEvent(ctx, tx, t.InstanceID, res.Event)
		return err
	})
	if err != nil {
		return model.Task{}, fmt.Errorf("resolve task: %w", err)
	}
	return t, nil
}

func insertTask(ctx context.Context, q querier, t model.Task) error {
	inputJSON, err := json.Marshal(t.Input)
	if err != nil {
		return fmt.Errorf("marshal input: %w", err)
	}
	outputJSON, err := json.Marshal(t.Output)
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	_, err = q.Exec(ctx, `
		INSERT INTO workflow_tasks (`+taskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		t.ID, t.TenantID, t.InstanceID, t.Type, t.Name, t.Status, inputJSON, outputJSON, t.Error,
		t.AssigneeUserID, t.AssigneeRoleID, t.AssigneePermissionKey, t.DueAt, t.CreatedAt, t.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func scanTask(row scanner) (model.Task, error) {
	var t model.Task
	var inputJSON, outputJSON []byte
	if err := row.Scan(
		&t.ID, &t.TenantID, &t.InstanceID, &t.Type, &t.Name, &t.Status, &inputJSON, &outputJSON, &t.Error,
		&t.AssigneeUserID, &t.AssigneeRoleID, &t.AssigneePermissionKey, &t.DueAt, &t.CreatedAt, &t.CompletedAt,
	); err != nil {
		return model.Task{}, err
	}
	if err := json.Unmarshal(inputJSON, &t.Input); err != nil {
		return model.Task{}, fmt.Errorf("unmarshal input: %w", err)
	}
	if outputJSON != nil {
		if err := json.Unmarshal(outputJSON, &t.Output); err != nil {
			return model.Task{}, fmt.Errorf("unmarshal output: %w", err)
		}
	}
	return t, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
