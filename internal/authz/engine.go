// Package authz runs the tenant's own RLS policies inside short-lived
// transactions to derive per-session capabilities (spec.md §4.4).
package authz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fanoutdb/realtime/pkg/logger"
)

// ErrIncreaseConnectionPool is returned when the pool could not hand
// out a connection within the configured timeout (spec.md §4.4,
// §7 "increase_connection_pool").
var ErrIncreaseConnectionPool = errors.New("increase_connection_pool")

// RLSPolicyError wraps a probe query failure that indicates a broken
// RLS policy program rather than a plain rejection (spec.md §4.4,
// §7 "rls_policy_error").
type RLSPolicyError struct {
	Underlying error
}

func (e *RLSPolicyError) Error() string {
	return fmt.Sprintf("rls_policy_error: %v", e.Underlying)
}
func (e *RLSPolicyError) Unwrap() error { return e.Underlying }

// ProbeEvent is the telemetry payload for the two named authorization
// events (spec.md §6, SPEC_FULL.md §6).
type ProbeEvent struct {
	Name      string // "read_authorization_check" | "write_authorization_check"
	TenantID  string
	Latency   time.Duration
}

// EventSink receives probe telemetry; nil is a valid no-op sink.
type EventSink interface {
	Emit(ProbeEvent)
}

// Engine evaluates RLS policies inside the tenant DB, per spec.md §4.4.
type Engine struct {
	MessageTable string // defaults to "realtime.messages" if empty

	// ClaimValidators names the checks ValidateClaims runs against
	// Context.Claims before every probe (JWT_CLAIM_VALIDATORS, e.g.
	// "exp,nbf"). Empty means no claim validation is performed.
	ClaimValidators []string

	logger *logger.Logger
	events EventSink
}

// NewEngine builds an Engine. log and events may be nil.
func NewEngine(log *logger.Logger, events EventSink) *Engine {
	return &Engine{MessageTable: "realtime.messages", logger: log, events: events}
}

func (e *Engine) table() string {
	if e.MessageTable == "" {
		return "realtime.messages"
	}
	return e.MessageTable
}

// Probe runs one direction's gated operations inside a single
// transaction against pool, following spec.md §4.4's five-step
// protocol, and returns a Policies with only that direction populated
// (the opposite direction is left Unknown for the caller to merge).
func (e *Engine) Probe(ctx context.Context, pool *pgxpool.Pool, ac Context, dir Direction) (Policies, error) {
	start := time.Now()
	defer func() {
		if e.events != nil {
			name := "read_authorization_check"
			if dir == Write {
				name = "write_authorization_check"
			}
			e.events.Emit(ProbeEvent{Name: name, TenantID: ac.TenantID, Latency: time.Since(start)})
		}
	}()

	if len(e.ClaimValidators) > 0 {
		if err := ValidateClaims(ac.Claims, e.ClaimValidators); err != nil {
			return Policies{}, err
		}
	}

	acquireCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	conn, err := pool.Acquire(acquireCtx)
	if err != nil {
		return Policies{}, ErrIncreaseConnectionPool
	}
	defer conn.Release()

	txOpts := pgx.TxOptions{}
	if dir == Read {
		txOpts.AccessMode = pgx.ReadOnly
	}

	tx, err := conn.BeginTx(ctx, txOpts)
	if err != nil {
		return Policies{}, fmt.Errorf("authz: begin tx: %w", err)
	}
	// Write-direction probes must never commit — the INSERT they run
	// is throw-away by construction (spec.md §9 "RLS probe
	// transaction"). Read-direction probes never write, so an
	// unconditional rollback is correct for both and leaves no rows
	// behind regardless of which branch below runs.
	defer func() { _ = tx.Rollback(ctx) }()

	if err := e.setSessionContext(ctx, tx, ac); err != nil {
		return Policies{}, fmt.Errorf("authz: set session context: %w", err)
	}

	var result Policies
	var probeErr error

	if dir == Read {
		bOK, err := e.probeSelect(ctx, tx, ac.Topic, "broadcast")
		if err != nil {
			probeErr = err
		} else {
			result.Broadcast.Read = FromBool(bOK)
		}
		if probeErr == nil {
			pOK, err := e.probeSelect(ctx, tx, ac.Topic, "presence")
			if err != nil {
				probeErr = err
			} else {
				result.Presence.Read = FromBool(pOK)
			}
		}
	} else {
		bOK, err := e.probeInsert(ctx, tx, ac.Topic, "broadcast")
		if err != nil {
			probeErr = err
		} else {
			result.Broadcast.Write = FromBool(bOK)
		}
		if probeErr == nil {
			pOK, err := e.probeInsert(ctx, tx, ac.Topic, "presence")
			if err != nil {
				probeErr = err
			} else {
				result.Presence.Write = FromBool(pOK)
			}
		}
	}

	if probeErr != nil {
		if e.logger != nil {
			e.logger.Warnf("authz: %s probe raised for tenant %s topic %s: %v", dir, ac.TenantID, ac.Topic, probeErr)
		}
		result.LatchFalse(dir)
		return result, &RLSPolicyError{Underlying: probeErr}
	}

	return result, nil
}

// setSessionContext sets the session-local variables the tenant's RLS
// policies read, per spec.md §4.4 step 2.
func (e *Engine) setSessionContext(ctx context.Context, tx pgx.Tx, ac Context) error {
	claimsJSON, err := json.Marshal(ac.Claims)
	if err != nil {
		return fmt.Errorf("marshal claims: %w", err)
	}

	role := ac.Role
	if role == "" {
		role = "anon"
	}

	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL ROLE %s", pgx.Identifier{role}.Sanitize())); err != nil {
		return fmt.Errorf("set role: %w", err)
	}
	if _, err := tx.Exec(ctx, "SELECT set_config('request.jwt.claim.sub', $1, true)", subClaim(ac.Claims)); err != nil {
		return fmt.Errorf("set jwt.claim.sub: %w", err)
	}
	if _, err := tx.Exec(ctx, "SELECT set_config('request.jwt.claim.role', $1, true)", role); err != nil {
		return fmt.Errorf("set jwt.claim.role: %w", err)
	}
	if _, err := tx.Exec(ctx, "SELECT set_config('request.jwt.claims', $1, true)", string(claimsJSON)); err != nil {
		return fmt.Errorf("set jwt.claims: %w", err)
	}
	for k, v := range ac.Headers {
		if _, err := tx.Exec(ctx, "SELECT set_config($1, $2, true)", "request.headers."+k, v); err != nil {
			return fmt.Errorf("set header %s: %w", k, err)
		}
	}
	return nil
}

func subClaim(claims map[string]interface{}) string {
	if v, ok := claims["sub"].(string); ok {
		return v
	}
	return ""
}

// probeSelect is the read-direction gated operation for capability
// (broadcast|presence): a SELECT scoped to topic, whose visibility is
// entirely up to the tenant's RLS policy.
func (e *Engine) probeSelect(ctx context.Context, tx pgx.Tx, topic, capability string) (bool, error) {
	var exists bool
	err := tx.QueryRow(ctx, fmt.Sprintf(
		"SELECT EXISTS(SELECT 1 FROM %s WHERE topic = $1 AND extension = $2 LIMIT 1)", e.table()),
		topic, capability).Scan(&exists)
	if err != nil {
		if isPermissionDenied(err) {
			return false, nil
		}
		return false, err
	}
	return exists, nil
}

// probeInsert is the write-direction gated operation: an INSERT of a
// throw-away row for capability, relying on the caller's transaction
// rollback to guarantee it never commits (spec.md §4.4 step 3,
// §9 "RLS probe transaction").
func (e *Engine) probeInsert(ctx context.Context, tx pgx.Tx, topic, capability string) (bool, error) {
	_, err := tx.Exec(ctx, fmt.Sprintf(
		"INSERT INTO %s (topic, private, event, extension, payload) VALUES ($1, true, $2, $3, $4)", e.table()),
		topic, "authorization_probe", capability, []byte("{}"))
	if err != nil {
		if isPermissionDenied(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// isPermissionDenied reports whether err is an RLS rejection (no rows
// visible / insufficient privilege) as opposed to a genuine failure —
// spec.md §4.4 step 4 distinguishes these explicitly.
func isPermissionDenied(err error) bool {
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		// 42501 = insufficient_privilege per the Postgres error catalog.
		return pgErr.SQLState() == "42501"
	}
	return false
}
