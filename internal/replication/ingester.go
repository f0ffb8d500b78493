// Package replication implements the Replication Ingester (spec.md
// §4.3): a logical-replication stream against one tenant's Postgres
// database, decoding INSERTs into the message table and fanning them
// out as Broadcast envelopes. Grounded directly on the teacher's
// services/anchor/internal/database/postgres/replication.go — same
// pgconn + pglogrepl streaming protocol, same CopyData/XLogData/
// Primary-Keepalive handling — narrowed to this spec's single-table,
// INSERT-only contract.
package replication

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/fanoutdb/realtime/internal/bus"
	"github.com/fanoutdb/realtime/internal/telemetry"
	"github.com/fanoutdb/realtime/internal/tenant"
	"github.com/fanoutdb/realtime/pkg/logger"
)

// ErrTimeout is returned by Ingester.Start when the stream does not
// reach a confirmed-started state before its configured timeout
// (spec.md §4.3 "Lifecycle... exceeding it returns :timeout").
var ErrTimeout = errors.New("timeout")

const standbyStatusInterval = 10 * time.Second

// Ingester streams logical replication for one tenant.
type Ingester struct {
	TenantExternalID string
	SlotName         string
	PublicationName  string
	MessageTable     string // defaults to "realtime.messages" if empty
	StartupTimeout   time.Duration

	Bus       *bus.Bus
	Telemetry *telemetry.Bus
	Logger    *logger.Logger

	conn      *pgconn.PgConn
	relations map[uint32]*pglogrepl.RelationMessage

	lastCommitTime time.Time
}

func (in *Ingester) table() string {
	if in.MessageTable == "" {
		return "realtime.messages"
	}
	return in.MessageTable
}

// Connect opens the dedicated replication-mode connection. config must
// already carry `replication=database` semantics (callers build it via
// pgconn.ParseConfig then set RuntimeParams["replication"] = "database",
// matching the teacher's createReplicationConnection).
func (in *Ingester) Connect(ctx context.Context, config *pgconn.Config) error {
	conn, err := pgconn.ConnectConfig(ctx, config)
	if err != nil {
		return fmt.Errorf("replication: connect: %w", err)
	}
	in.conn = conn
	in.relations = make(map[uint32]*pglogrepl.RelationMessage)
	return nil
}

// Start begins streaming and blocks until ctx is cancelled (by the
// Connect Supervisor when the monitored pid dies, per spec.md §4.3
// "Lifecycle") or a fatal stream error occurs. Any error surfaced here
// that occurs before the stream confirms started is wrapped as
// ErrTimeout once startupTimeout elapses.
func (in *Ingester) Start(ctx context.Context) error {
	if in.conn == nil {
		return fmt.Errorf("replication: Start called before Connect")
	}

	startupTimeout := in.StartupTimeout
	if startupTimeout == 0 {
		startupTimeout = 30 * time.Second
	}

	startCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	err := pglogrepl.StartReplication(startCtx, in.conn, in.SlotName, pglogrepl.LSN(0),
		pglogrepl.StartReplicationOptions{
			PluginArgs: []string{"proto_version '1'", fmt.Sprintf("publication_names '%s'", in.PublicationName)},
		})
	cancel()
	if err != nil {
		if startCtx.Err() != nil {
			return ErrTimeout
		}
		return fmt.Errorf("replication: start replication: %w", err)
	}

	if in.Logger != nil {
		in.Logger.Infof("replication stream started for tenant %s (slot %s)", in.TenantExternalID, in.SlotName)
	}

	return in.stream(ctx)
}

// stream reads the replication protocol in a loop until ctx is done,
// matching the teacher's streamReplicationEvents shape.
func (in *Ingester) stream(ctx context.Context) error {
	var clientXLogPos pglogrepl.LSN
	statusTicker := time.NewTicker(standbyStatusInterval)
	defer statusTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			if in.Logger != nil {
				in.Logger.Infof("Disconnecting broadcast changes handler in the step for tenant %s", in.TenantExternalID)
			}
			in.conn.Close(context.Background())
			return nil
		case <-statusTicker.C:
			if err := in.sendStandbyStatus(ctx, clientXLogPos); err != nil && in.Logger != nil {
				in.Logger.Warnf("replication: standby status update failed for tenant %s: %v", in.TenantExternalID, err)
			}
		default:
		}

		readCtx, readCancel := context.WithTimeout(ctx, 5*time.Second)
		rawMsg, err := in.conn.ReceiveMessage(readCtx)
		readCancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if pgconn.Timeout(err) {
				continue
			}
			return fmt.Errorf("replication: receive message: %w", err)
		}

		copyData, ok := rawMsg.(*pgproto3.CopyData)
		if !ok || len(copyData.Data) == 0 {
			continue
		}

		switch copyData.Data[0] {
		case pglogrepl.PrimaryKeepaliveMessageByteID:
			pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(copyData.Data[1:])
			if err != nil {
				if in.Logger != nil {
					in.Logger.Warnf("replication: bad keepalive for tenant %s: %v", in.TenantExternalID, err)
				}
				continue
			}
			if pkm.ServerWALEnd > clientXLogPos {
				clientXLogPos = pkm.ServerWALEnd
			}
			// Only reply when the server requests it ("reply=now");
			// otherwise hold, per spec.md §4.3 "Keep-alive".
			if pkm.ReplyRequested {
				if err := in.sendStandbyStatus(ctx, clientXLogPos+1); err != nil && in.Logger != nil {
					in.Logger.Warnf("replication: keepalive reply failed for tenant %s: %v", in.TenantExternalID, err)
				}
			}

		case pglogrepl.XLogDataByteID:
			xld, err := pglogrepl.ParseXLogData(copyData.Data[1:])
			if err != nil {
				if in.Logger != nil {
					in.Logger.Warnf("replication: bad XLogData for tenant %s: %v", in.TenantExternalID, err)
				}
				continue
			}
			if xld.WALStart+pglogrepl.LSN(len(xld.WALData)) > clientXLogPos {
				clientXLogPos = xld.WALStart + pglogrepl.LSN(len(xld.WALData))
			}
			in.handleWALData(xld.WALData)
		}
	}
}

func (in *Ingester) sendStandbyStatus(ctx context.Context, pos pglogrepl.LSN) error {
	return pglogrepl.SendStandbyStatusUpdate(ctx, in.conn, pglogrepl.StandbyStatusUpdate{
		WALWritePosition: pos,
		WALFlushPosition: pos,
		WALApplyPosition: pos,
		ClientTime:       time.Now(),
	})
}

// handleWALData decodes one logical-replication message and, for an
// INSERT into the message table, builds and emits a Broadcast
// envelope. Batches (several INSERTs in one transaction) each produce
// their own broadcast, since handleWALData is invoked once per
// XLogData message and pglogrepl delivers one logical message per call
// (spec.md §4.3 "Batches... MUST each be emitted as a separate
// broadcast").
func (in *Ingester) handleWALData(walData []byte) {
	logicalMsg, err := pglogrepl.Parse(walData)
	if err != nil {
		if in.Logger != nil {
			in.Logger.Warnf("replication: parse WAL message for tenant %s: %v", in.TenantExternalID, err)
		}
		return
	}

	switch msg := logicalMsg.(type) {
	case *pglogrepl.RelationMessage:
		in.relations[msg.RelationID] = msg

	case *pglogrepl.BeginMessage:
		in.lastCommitTime = msg.CommitTime

	case *pglogrepl.InsertMessage:
		relation, ok := in.relations[msg.RelationID]
		if !ok || relation.Namespace+"."+relation.RelationName != in.table() {
			return
		}
		row, err := decodeRow(msg.Tuple, relation)
		if err != nil {
			if in.Logger != nil {
				in.Logger.Warnf("replication: decode INSERT for tenant %s: %v", in.TenantExternalID, err)
			}
			return
		}
		row.CommittedAt = in.lastCommitTime
		in.emit(row)
	}
}

// emit validates and fans out row, per spec.md §4.3's decoding
// contract and validation rule.
func (in *Ingester) emit(row Row) {
	if !row.isBroadcastable() {
		if in.Logger != nil {
			in.Logger.Infof("UnableToBroadcastChanges: tenant %s topic %s event=%v extension=%s", in.TenantExternalID, row.Topic, row.Event, row.Extension)
		}
		return
	}

	topic := tenant.TenantTopic(in.TenantExternalID, row.Topic, row.Private)
	envelope := buildEnvelope(row)

	if in.Bus != nil {
		in.Bus.Publish(topic, envelope)
	}

	if in.Telemetry != nil {
		now := time.Now()
		var latencyCommitted, latencyInserted time.Duration
		if !row.CommittedAt.IsZero() {
			latencyCommitted = now.Sub(row.CommittedAt)
		}
		if !row.InsertedAt.IsZero() {
			latencyInserted = now.Sub(row.InsertedAt)
		}
		in.Telemetry.EmitBroadcast(in.TenantExternalID, latencyCommitted, latencyInserted)
	}
}
