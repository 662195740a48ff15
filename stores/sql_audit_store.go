package stores

import (
	"context"
	"time"

	"github.com/oarkflow/squealx"

	"github.com/oarkflow/datascope"
)

// SQLAuditStore persists access decisions in SQL
type SQLAuditStore struct {
	db *squealx.DB
}

func NewSQLAuditStore(db *squealx.DB) (*SQLAuditStore, error) {
	return &SQLAuditStore{db: db}, nil
}

func (s *SQLAuditStore) LogDecision(ctx context.Context, entry *datascope.AccessLogEntry) error {
	q := `INSERT INTO audit_log(id, trace_id, subject_id, account_id, data_type, action, granted, reason, timestamp) VALUES(:id, :trace_id, :subject_id, :account_id, :data_type, :action, :granted, :reason, :timestamp)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":         entry.ID,
		"trace_id":   entry.TraceID,
		"subject_id": entry.Subject,
		"account_id": entry.Account,
		"data_type":  entry.DataType,
		"action":     string(entry.Action),
		"granted":    boolToInt(entry.Granted),
		"reason":     entry.Reason,
		"timestamp":  entry.Timestamp,
	})
	return err
}

func (s *SQLAuditStore) GetAccessLog(ctx context.Context, filter datascope.AuditFilter) ([]*datascope.AccessLogEntry, error) {
	q := `SELECT id, trace_id, subject_id, account_id, data_type, action, granted, reason, timestamp FROM audit_log WHERE 1=1`
	params := map[string]any{}
	if filter.Subject != "" {
		q += " AND subject_id = :subject_id"
		params["subject_id"] = filter.Subject
	}
	if filter.Account != "" {
		q += " AND account_id = :account_id"
		params["account_id"] = filter.Account
	}
	if filter.Granted != nil {
		q += " AND granted = :granted"
		params["granted"] = boolToInt(*filter.Granted)
	}
	if filter.Limit > 0 {
		q += " LIMIT :limit"
		params["limit"] = filter.Limit
	} else {
		q += " LIMIT 100"
	}
	r, err := s.db.NamedQueryContext(ctx, q, params)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*datascope.AccessLogEntry, 0)
	for r.Next() {
		var id, traceID, subject, account, dataType, action, reason string
		var grantedInt int
		var timestampRaw interface{}
		if err := r.Scan(&id, &traceID, &subject, &account, &dataType, &action, &grantedInt, &reason, &timestampRaw); err != nil {
			return nil, err
		}
		entry := &datascope.AccessLogEntry{
			ID:       id,
			TraceID:  traceID,
			Subject:  subject,
			Account:  account,
			DataType: dataType,
			Action:   datascope.Action(action),
			Granted:  grantedInt != 0,
			Reason:   reason,
		}
		switch v := timestampRaw.(type) {
		case time.Time:
			entry.Timestamp = v
		case string:
			if t, err := parseFlexibleTime(v); err == nil {
				entry.Timestamp = t
			}
		case []byte:
			if t, err := parseFlexibleTime(string(v)); err == nil {
				entry.Timestamp = t
			}
		}
		out = append(out, entry)
	}
	return out, nil
}
