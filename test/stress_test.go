package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"rentsign/audit"
	"rentsign/contract"
	"rentsign/notify"
	"rentsign/signature"
	"rentsign/test/actors"
	"rentsign/test/chaos"
	"rentsign/test/infra"
	"rentsign/test/oracles"
)

var (
	flDuration    = flag.Duration("duration", 90*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 8, "number of concurrent actors")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
	flChaos       = flag.Bool("chaos", false, "randomly terminate database backends during the run")
)

func seedRNG(seed int64) { rand.Seed(seed) }

// stressProvider is an in-memory vendor: sessions are handed out instantly so
// the actors exercise the state machine, not the network.
type stressProvider struct{}

func (stressProvider) Name() string { return "stress" }

func (stressProvider) CreateSession(_ context.Context, documentID string, _ []signature.Signer) (signature.ProviderSession, error) {
	id := fmt.Sprintf("sess-%s-%d", documentID, rand.Int63())
	return signature.ProviderSession{SessionID: id, DocumentURL: "https://stress.local/" + id}, nil
}

func (stressProvider) FetchStatus(context.Context, string) (signature.ProviderStatus, error) {
	return signature.ProviderStatusPending, nil
}

func (stressProvider) CancelSession(context.Context, string) error { return nil }

func TestSignatureConcurrency(t *testing.T) {
	flag.Parse()
	seed := *flSeed
	seedRNG(seed)

	var (
		pgC        *infra.PGContainer
		dsn        string
		err        error
		usedShared bool
	)
	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	switch {
	case *flDSN != "":
		dsn = *flDSN
		usedShared = true
		pgC = &infra.PGContainer{}
	case os.Getenv("SIGNATURE_TEST_PG_DSN") != "":
		dsn = os.Getenv("SIGNATURE_TEST_PG_DSN")
		usedShared = true
		pgC = &infra.PGContainer{}
	default:
		if dockerAvailable(ctx) {
			pgC, dsn, err = infra.StartPostgres16(ctx, "")
			if err != nil {
				t.Fatalf("start postgres: %v", err)
			}
		} else {
			dsn, err = infra.InitLocalDatabase(ctx)
			if err != nil {
				t.Fatalf("init local database: %v", err)
			}
			pgC = &infra.PGContainer{}
		}
	}
	defer pgC.Terminate(context.Background())

	pool, teardown, err := infra.ApplyMigrations(ctx, dsn, usedShared)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	defer pool.Close()
	defer func() {
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()

	documentID := mustSeedContract(t, ctx, pool)

	auditWriter := audit.NewWriter()
	outbox := notify.NewOutbox()
	providers := signature.NewProviderRegistry(stressProvider{})
	svc := signature.NewService(pool, signature.NewRepository(pool), providers, auditWriter, outbox)

	contractSvc := contract.NewService(pool, contract.NewRepository(), auditWriter)
	worker := notify.NewWorker(pool, contract.NewActivator(contractSvc, nil))

	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	// Creators, senders and signers battling over the same document.
	for i := 0; i < *flConcurrency; i++ {
		g.Go(func() error { return actors.Creator(ctx2, svc, documentID, "stress", stop) })
		g.Go(func() error { return actors.Sender(ctx2, svc, documentID, stop) })
		g.Go(func() error { return actors.SignerActor(ctx2, svc, documentID, stop) })
	}
	g.Go(func() error { return actors.Rejector(ctx2, svc, documentID, stop) })
	g.Go(func() error { return actors.Canceller(ctx2, svc, documentID, stop) })
	g.Go(func() error { return actors.OutboxDrainer(ctx2, worker, stop) })

	if *flChaos {
		go chaos.TerminateRandomBackend(ctx2, pool, stop)
	}

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var failed bool
loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			name, row, err := oracles.Run(ctx2, pool)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				t.Fatalf("oracle error: %v", err)
			}
			if name != "" {
				failed = true
				dumpRecent(t, ctx2, pool)
				t.Fatalf("Oracle %s failed. First row: %s (seed=%d)", name, row, seed)
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !failed {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("actors errored: %v", err)
		}
	}
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}

func mustSeedContract(t *testing.T, ctx context.Context, pool *pgxpool.Pool) string {
	t.Helper()
	var contractID string
	if err := pool.QueryRow(ctx, `INSERT INTO contracts (status) VALUES ('pending_signature') RETURNING id`).Scan(&contractID); err != nil {
		t.Fatalf("seed contract: %v", err)
	}
	return contractID
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"signature_requests", `SELECT id, document_id, status, session_id, updated_at FROM signature_requests ORDER BY updated_at DESC LIMIT 50`},
		{"signature_signers", `SELECT id, request_id, sign_order, status, signed_at, rejected_at FROM signature_signers ORDER BY created_at DESC LIMIT 50`},
		{"outbox", `SELECT id, topic, status, attempts, created_at FROM outbox ORDER BY created_at DESC LIMIT 50`},
		{"audit_events", `SELECT id, action, entity_type, entity_id, created_at FROM audit_events ORDER BY id DESC LIMIT 50`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", string(cols[i].Name), vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
