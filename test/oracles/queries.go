package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// All returns the invariant checks run against the database while the actors
// are battling. Every query must return zero rows on a healthy system.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_unique_active_request",
			SQL: `SELECT document_id, COUNT(*) FROM signature_requests
                  WHERE status IN ('created','sent','in_progress')
                  GROUP BY document_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_completed_means_all_signed",
			SQL: `SELECT r.id FROM signature_requests r
                  JOIN signature_signers s ON s.request_id = r.id
                  WHERE r.status = 'completed' AND s.status <> 'signed'`,
		},
		{
			Name: "O3_sequential_order",
			SQL: `SELECT hi.request_id, hi.id FROM signature_signers hi
                  JOIN signature_signers lo
                    ON lo.request_id = hi.request_id AND lo.sign_order < hi.sign_order
                  WHERE hi.status = 'signed' AND lo.status <> 'signed'`,
		},
		{
			Name: "O4_terminal_timestamps",
			SQL: `SELECT id, status FROM signature_requests
                  WHERE (status = 'completed' AND completed_at IS NULL)
                     OR (status = 'rejected' AND rejected_at IS NULL)
                     OR (status = 'expired' AND expired_at IS NULL)`,
		},
		{
			Name: "O5_rejected_has_rejecting_signer",
			SQL: `SELECT r.id FROM signature_requests r
                  WHERE r.status = 'rejected'
                    AND NOT EXISTS (SELECT 1 FROM signature_signers s
                                    WHERE s.request_id = r.id AND s.status = 'rejected')`,
		},
		{
			Name: "O6_sent_has_session",
			SQL: `SELECT id FROM signature_requests
                  WHERE status IN ('sent','in_progress','completed') AND session_id IS NULL`,
		},
		{
			Name: "O7_outbox_attempts_bounded",
			SQL: `SELECT id, attempts FROM outbox
                  WHERE attempts > 5 OR (status = 'pending' AND now() - created_at > interval '5 minutes')`,
		},
		{
			Name: "O8_audit_matches_completion",
			SQL: `SELECT r.id FROM signature_requests r
                  WHERE r.status = 'completed'
                    AND NOT EXISTS (SELECT 1 FROM audit_events e
                                    WHERE e.entity_type = 'SIGNATURE'
                                      AND e.entity_id = r.id::text
                                      AND e.action = 'COMPLETED')`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row
// text) or an empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
