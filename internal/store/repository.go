// Package store persists rule sets, commission policies and the field
// catalog in SQL.
//
// Records are stored as versioned codec blobs (internal/codec) keyed by
// server-assigned UUIDv7 ids. Every persist call runs in one transaction:
// explicit deletions first, then upserts in display order.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/solatis/crmrules/internal/codec"
	"github.com/solatis/crmrules/internal/commission"
	"github.com/solatis/crmrules/internal/core/db"
	"github.com/solatis/crmrules/internal/rules"
	"github.com/solatis/crmrules/internal/types"
	"go.uber.org/zap"
)

// ErrForeignRecord is returned when a payload references an id owned by a
// different scoring object or commission scope.
var ErrForeignRecord = errors.New("record belongs to another owner")

// Repository implements rules.RuleStore and commission.PolicyStore.
type Repository struct {
	db      *sqlx.DB
	queries *db.Queries
	logger  *zap.Logger
	now     func() time.Time
}

// NewRepository creates a repository. logger may be nil.
func NewRepository(conn *sqlx.DB, queries *db.Queries, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{
		db:      conn,
		queries: queries,
		logger:  logger,
		now:     time.Now,
	}
}

var (
	_ rules.RuleStore        = (*Repository)(nil)
	_ commission.PolicyStore = (*Repository)(nil)
)

// blobRow is one stored record. GroupID is only set for conditions.
type blobRow struct {
	ID      string `db:"id"`
	GroupID string `db:"group_id"`
	Body    string `db:"body"`
}

// LoadRules returns the object's groups in serial order with their
// conditions attached. An object without rules yields an empty slice.
func (r *Repository) LoadRules(ctx context.Context, object string) ([]*types.RuleGroup, error) {
	var groupRows, conditionRows []blobRow
	if err := r.queries.SelectContext(ctx, "list-rule-groups", &groupRows, object); err != nil {
		return nil, fmt.Errorf("list criteria for %s: %w", object, err)
	}
	if err := r.queries.SelectContext(ctx, "list-rule-conditions", &conditionRows, object); err != nil {
		return nil, fmt.Errorf("list conditions for %s: %w", object, err)
	}

	groups := make([]*types.RuleGroup, 0, len(groupRows))
	byID := make(map[types.GroupID]*types.RuleGroup, len(groupRows))
	for i, row := range groupRows {
		g, err := codec.DecodeGroup([]byte(row.Body))
		if err != nil {
			return nil, err
		}
		g.ID = types.GroupID(row.ID)
		g.RowID = types.NewRowID()
		g.Serial = i + 1
		groups = append(groups, g)
		byID[g.ID] = g
	}

	for _, row := range conditionRows {
		g, ok := byID[types.GroupID(row.GroupID)]
		if !ok {
			continue
		}
		c, err := codec.DecodeCondition([]byte(row.Body))
		if err != nil {
			return nil, err
		}
		c.ID = types.ConditionID(row.ID)
		c.RowID = types.NewRowID()
		c.Serial = len(g.Conditions) + 1
		g.Conditions = append(g.Conditions, c)
	}

	return groups, nil
}

// PersistRules applies a rule payload for object and returns the ids
// assigned to new groups and conditions.
func (r *Repository) PersistRules(ctx context.Context, object string, payload rules.RulePayload) (rules.RuleAck, error) {
	groups, err := rules.GroupsFromPayload(payload)
	if err != nil {
		return rules.RuleAck{}, err
	}

	now := r.now().UTC()
	var ack rules.RuleAck

	err = db.WithTx(ctx, r.db, func(tx *sqlx.Tx) error {
		q := r.queries.In(tx)

		for _, id := range payload.DeletedConditionIDs {
			if _, err := deleteOwned(ctx, q, "condition", "delete-rule-condition", "rule-condition-exists", string(id), object); err != nil {
				return err
			}
		}
		for _, id := range payload.DeletedGroupIDs {
			deleted, err := deleteOwned(ctx, q, "criteria", "delete-rule-group", "rule-group-exists", string(id), object)
			if err != nil {
				return err
			}
			if !deleted {
				continue
			}
			if _, err := q.ExecContext(ctx, "delete-group-conditions", id); err != nil {
				return fmt.Errorf("delete conditions of criteria %s: %w", id, err)
			}
		}

		ack.Groups = make([]rules.GroupAck, 0, len(groups))
		for _, g := range groups {
			if g.ID == "" {
				g.ID = types.NewGroupID()
			}
			blob, err := codec.EncodeGroup(g)
			if err != nil {
				return err
			}
			res, err := q.ExecContext(ctx, "upsert-rule-group", g.ID, object, g.Serial, string(blob), now)
			if err != nil {
				return fmt.Errorf("save criteria %s: %w", g.ID, err)
			}
			if err := expectOne(res, "criteria", string(g.ID)); err != nil {
				return err
			}

			ga := rules.GroupAck{RowID: g.RowID, GroupID: g.ID}
			for _, c := range g.Conditions {
				if c.ID == "" {
					c.ID = types.NewConditionID()
				}
				blob, err := codec.EncodeCondition(c)
				if err != nil {
					return err
				}
				res, err := q.ExecContext(ctx, "upsert-rule-condition", c.ID, g.ID, c.Serial, string(blob))
				if err != nil {
					return fmt.Errorf("save condition %s: %w", c.ID, err)
				}
				if err := expectOne(res, "condition", string(c.ID)); err != nil {
					return err
				}
				ga.Conditions = append(ga.Conditions, rules.ConditionAck{RowID: c.RowID, ConditionID: c.ID})
			}
			ack.Groups = append(ack.Groups, ga)
		}
		return nil
	})
	if err != nil {
		return rules.RuleAck{}, err
	}

	r.logger.Debug("rules persisted",
		zap.String("object", object),
		zap.Int("groups", len(groups)),
		zap.Int("deleted_groups", len(payload.DeletedGroupIDs)),
		zap.Int("deleted_conditions", len(payload.DeletedConditionIDs)))
	return ack, nil
}

// LoadPolicies returns the scope's policies in serial order.
func (r *Repository) LoadPolicies(ctx context.Context, scope string) ([]*types.CommissionPolicy, error) {
	var rows []blobRow
	if err := r.queries.SelectContext(ctx, "list-policies", &rows, scope); err != nil {
		return nil, fmt.Errorf("list policies for %s: %w", scope, err)
	}

	policies := make([]*types.CommissionPolicy, 0, len(rows))
	for i, row := range rows {
		p, err := codec.DecodePolicy([]byte(row.Body))
		if err != nil {
			return nil, err
		}
		p.ID = types.PolicyID(row.ID)
		p.RowID = types.NewRowID()
		p.Serial = i + 1
		policies = append(policies, p)
	}
	return policies, nil
}

// PersistPolicies applies a policy payload for scope. A second active
// policy of the same type violates the one-active index and fails the
// whole call.
func (r *Repository) PersistPolicies(ctx context.Context, scope string, payload commission.PolicyPayload) (commission.PolicyAck, error) {
	policies, err := commission.PoliciesFromPayload(payload)
	if err != nil {
		return commission.PolicyAck{}, err
	}

	now := r.now().UTC()
	var ack commission.PolicyAck

	err = db.WithTx(ctx, r.db, func(tx *sqlx.Tx) error {
		q := r.queries.In(tx)

		for _, id := range payload.DeletedPolicyIDs {
			if _, err := deleteOwned(ctx, q, "policy", "delete-policy", "policy-exists", string(id), scope); err != nil {
				return err
			}
		}
		// Activation may move between submitted rows of one type; clear
		// them first so the partial unique index only sees the final state.
		for _, p := range policies {
			if p.ID == "" {
				continue
			}
			if _, err := q.ExecContext(ctx, "deactivate-policy", p.ID, scope); err != nil {
				return fmt.Errorf("deactivate policy %s: %w", p.ID, err)
			}
		}

		ack.Policies = make([]commission.PolicyAckEntry, 0, len(policies))
		for _, p := range policies {
			if p.ID == "" {
				p.ID = types.NewPolicyID()
			}
			blob, err := codec.EncodePolicy(p)
			if err != nil {
				return err
			}
			res, err := q.ExecContext(ctx, "upsert-policy",
				p.ID, scope, p.Serial, string(p.PolicyType), boolInt(p.Active), string(blob), now)
			if err != nil {
				return fmt.Errorf("save policy %s: %w", p.ID, err)
			}
			if err := expectOne(res, "policy", string(p.ID)); err != nil {
				return err
			}
			ack.Policies = append(ack.Policies, commission.PolicyAckEntry{RowID: p.RowID, PolicyID: p.ID})
		}
		return nil
	})
	if err != nil {
		return commission.PolicyAck{}, err
	}

	r.logger.Debug("policies persisted",
		zap.String("scope", scope),
		zap.Int("policies", len(policies)),
		zap.Int("deleted", len(payload.DeletedPolicyIDs)))
	return ack, nil
}

// deleteOwned runs a delete scoped to owner. An id that exists under
// another owner is ErrForeignRecord; an unknown id is already gone and is
// skipped, so a retried payload still applies.
func deleteOwned(ctx context.Context, q *db.Queries, kind, deleteQuery, existsQuery, id, owner string) (bool, error) {
	res, err := q.ExecContext(ctx, deleteQuery, id, owner)
	if err != nil {
		return false, fmt.Errorf("delete %s %s: %w", kind, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}

	var count int
	if err := q.GetContext(ctx, existsQuery, &count, id); err != nil {
		return false, fmt.Errorf("look up %s %s: %w", kind, id, err)
	}
	if count > 0 {
		return false, fmt.Errorf("%w: %s %s", ErrForeignRecord, kind, id)
	}
	return false, nil
}

// expectOne fails when an upsert's ownership guard skipped the row.
func expectOne(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s %s", ErrForeignRecord, kind, id)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
