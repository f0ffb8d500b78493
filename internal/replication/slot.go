package replication

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// SlotName returns the per-tenant replication slot name, optionally
// carrying an environment suffix (spec.md §4.3
// "supabase_realtime_messages_replication_slot[_<env_suffix>]").
func SlotName(envSuffix string) string {
	if envSuffix == "" {
		return "supabase_realtime_messages_replication_slot"
	}
	return fmt.Sprintf("supabase_realtime_messages_replication_slot_%s", envSuffix)
}

// ErrSlotInUse is returned by EnsureSlot when the slot already exists
// and another backend holds it active (spec.md §4.3 "Starting a second
// instance... fails with 'Temporary Replication slot already exists
// and in use'").
type ErrSlotInUse struct {
	SlotName string
}

func (e *ErrSlotInUse) Error() string {
	return fmt.Sprintf("Temporary Replication slot already exists and in use: %s", e.SlotName)
}

// EnsurePublication creates (if absent) a publication scoped to
// exactly messageTable, narrower than the teacher's arbitrary-table-list
// CreateReplicationSource (SPEC_FULL.md §4.3 "Publication scope").
// It also sets REPLICA IDENTITY DEFAULT rather than the teacher's FULL:
// the ingester only ever decodes INSERTs, so old-row values from
// UPDATE/DELETE are never needed (SPEC_FULL.md §4.3 divergence, see
// DESIGN.md).
func EnsurePublication(ctx context.Context, pool *pgxpool.Pool, publicationName, messageTable string) error {
	var exists bool
	if err := pool.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM pg_publication WHERE pubname = $1)", publicationName,
	).Scan(&exists); err != nil {
		return fmt.Errorf("replication: check publication: %w", err)
	}
	if !exists {
		if _, err := pool.Exec(ctx,
			fmt.Sprintf("CREATE PUBLICATION %s FOR TABLE %s", publicationName, messageTable),
		); err != nil {
			return fmt.Errorf("replication: create publication: %w", err)
		}
	}
	if _, err := pool.Exec(ctx,
		fmt.Sprintf("ALTER TABLE %s REPLICA IDENTITY DEFAULT", messageTable),
	); err != nil {
		return fmt.Errorf("replication: set replica identity: %w", err)
	}
	return nil
}

// EnsureSlot creates the logical replication slot with the pgoutput
// plugin if it does not already exist, and returns ErrSlotInUse if an
// existing slot is currently held by another active backend (spec.md
// §4.3). The slot is created as a regular, non-temporary slot: it
// outlives the session that creates it and is not dropped by this
// package.
func EnsureSlot(ctx context.Context, pool *pgxpool.Pool, slotName string) error {
	var exists, active bool
	err := pool.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM pg_replication_slots WHERE slot_name = $1), COALESCE((SELECT active FROM pg_replication_slots WHERE slot_name = $1), false)",
		slotName,
	).Scan(&exists, &active)
	if err != nil {
		return fmt.Errorf("replication: check slot: %w", err)
	}

	if exists && active {
		return &ErrSlotInUse{SlotName: slotName}
	}

	if !exists {
		if _, err := pool.Exec(ctx,
			fmt.Sprintf("SELECT pg_create_logical_replication_slot('%s', 'pgoutput')", slotName),
		); err != nil {
			return fmt.Errorf("replication: create slot: %w", err)
		}
	}
	return nil
}
