package cmd

import (
	"context"
	"fmt"

	"github.com/deemkeen/boardfed/activitypub"
	"github.com/deemkeen/boardfed/db"
	"github.com/deemkeen/boardfed/domain"
	"github.com/deemkeen/boardfed/policy"
	"github.com/deemkeen/boardfed/safehttp"
	"github.com/deemkeen/boardfed/util"
)

// app holds the wired federation components shared by the commands.
type app struct {
	db       *db.DB
	policy   *policy.Cache
	client   *safehttp.Client
	instance *domain.LocalActor
	resolver *activitypub.Resolver
	queue    *activitypub.Queue
	outbox   *activitypub.Outbox
}

func openDB() (*db.DB, error) {
	path := util.ResolveFilePath(conf.Conf.DbPath)
	database, err := db.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	return database, nil
}

func loadPolicy(ctx context.Context, database *db.DB) (*policy.Cache, error) {
	mode, err := policy.ParseMode(conf.Federation.DomainPolicyMode)
	if err != nil {
		return nil, err
	}
	cache := policy.New(database, mode)
	if err := cache.Reload(ctx); err != nil {
		return nil, fmt.Errorf("load domain policy: %w", err)
	}
	return cache, nil
}

// newApp opens the database and builds every component the way serve runs
// them. Close releases the database.
func newApp(ctx context.Context) (*app, error) {
	database, err := openDB()
	if err != nil {
		return nil, err
	}

	a, err := wire(ctx, database)
	if err != nil {
		database.Close()
		return nil, err
	}
	return a, nil
}

func wire(ctx context.Context, database *db.DB) (*app, error) {
	sslDomain := conf.Conf.SslDomain
	clock := util.SystemClock{}

	cache, err := loadPolicy(ctx, database)
	if err != nil {
		return nil, err
	}

	instance, err := activitypub.EnsureInstanceActor(ctx, database, sslDomain)
	if err != nil {
		return nil, fmt.Errorf("instance actor: %w", err)
	}
	instanceSigner, err := activitypub.SignerFor(instance, clock)
	if err != nil {
		return nil, err
	}

	client := safehttp.New(safehttp.Options{
		UserAgent:     util.UserAgent(sslDomain),
		AllowLoopback: conf.Conf.AllowLoopback,
	})
	resolver := activitypub.NewResolver(database, client, activitypub.ResolverOptions{
		InstanceSigner: instanceSigner,
		TTL:            conf.Federation.ActorTTL,
		Clock:          clock,
	})
	queue := activitypub.NewQueue(database, cache, clock)
	outbox := activitypub.NewOutbox(sslDomain, database, database, resolver, queue, cache, clock)

	return &app{
		db:       database,
		policy:   cache,
		client:   client,
		instance: instance,
		resolver: resolver,
		queue:    queue,
		outbox:   outbox,
	}, nil
}

func (a *app) dispatcher() *activitypub.Dispatcher {
	return activitypub.NewDispatcher(activitypub.StoresFrom(a.db), a.resolver, a.policy, a.outbox, activitypub.DispatcherOptions{
		MaxBodyBytes: conf.Federation.MaxBodyBytes,
	})
}

func (a *app) worker() *activitypub.Worker {
	return activitypub.NewWorker(a.db, a.db, a.policy, a.client, activitypub.WorkerOptions{
		Interval:    conf.Federation.DeliveryInterval,
		BatchSize:   conf.Federation.DeliveryBatchSize,
		Concurrency: conf.Federation.DeliveryConcurrency,
	})
}

func (a *app) Close() error {
	return a.db.Close()
}
