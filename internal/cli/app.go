package cli

import (
	"context"
	"net/http"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	jww "github.com/spf13/jwalterweatherman"

	"github.com/pliu/chainchat/internal/config"
	"github.com/pliu/chainchat/internal/content"
	"github.com/pliu/chainchat/internal/health"
	"github.com/pliu/chainchat/internal/ledger"
	"github.com/pliu/chainchat/internal/materialize"
	"github.com/pliu/chainchat/internal/queue"
	"github.com/pliu/chainchat/internal/reconcile"
	"github.com/pliu/chainchat/internal/store/sqlstore"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// app holds the wired backing systems shared by every command.
type app struct {
	cfg          *config.Config
	store        *sqlstore.SQLStore
	ledger       *ledger.Client
	fetcher      *content.Fetcher
	queue        queue.Queue
	redis        *redis.Client
	materializer *materialize.Materializer
	reconciler   *reconcile.Service
	checker      *health.Checker
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, queue: queue.Nop{}}

	store, err := sqlstore.New(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, errors.Wrap(err, "open store")
	}
	a.store = store
	a.materializer = materialize.New(store)

	var reader ledger.Reader
	var ledgerPing health.Pinger
	if cfg.LedgerEnabled() {
		client, err := ledger.Dial(ctx, cfg.Ledger.RPCURL, cfg.Ledger.ContractAddress)
		if err != nil {
			a.Close()
			return nil, errors.Wrap(err, "dial ledger")
		}
		a.ledger = client
		reader, ledgerPing = client, client
	} else {
		jww.WARN.Println("No ledger configured; listener and ledger reconciliation are disabled")
	}

	var primary content.PinningClient
	if cfg.Content.PinningURL != "" {
		primary = content.NewRPCClient(cfg.Content.PinningURL, &http.Client{})
	}
	a.fetcher = content.NewFetcher(primary, content.Options{
		Gateways:       cfg.Content.Gateways,
		MaxRetries:     cfg.Content.MaxRetries,
		RequestTimeout: cfg.Content.RequestTimeout,
		HealthTimeout:  cfg.Content.HealthTimeout,
		SlowThreshold:  cfg.Content.SlowThreshold,
	})

	if cfg.Redis.Addr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.queue = queue.NewRedisQueue(a.redis, cfg.Redis.ProcessingQueue, cfg.Redis.CachingQueue)
	}

	a.reconciler = reconcile.NewService(store, reader, a.fetcher, a.queue, reconcile.Config{
		ContentBatch: cfg.Reconcile.ContentBatch,
		LedgerRate:   cfg.Reconcile.LedgerRate,
		OrphanGrace:  cfg.Reconcile.OrphanGrace,

		SkipWhenDegraded: cfg.Reconcile.SkipWhenDegraded,
	})
	a.checker = &health.Checker{
		Ledger:  ledgerPing,
		Content: a.fetcher,
		Store:   store,
		Queue:   a.queue,
	}
	return a, nil
}

func (a *app) Close() {
	if a.redis != nil {
		a.redis.Close()
	}
	if a.ledger != nil {
		a.ledger.Close()
	}
	if a.store != nil {
		a.store.Close()
	}
}
