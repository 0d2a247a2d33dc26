// Command cqengine is the continuous-query execution plane's main process:
// it boots one scheduler process group per enabled database (spec.md
// §4.2), wires each group's worker and combiner slots to a shared matrel
// store and plan registry, runs every sliding-window CQ's overlay tick and
// TTL vacuum alongside the combiner loop, tails each database's WAL for
// row-level triggers, and serves the alert-server TCP protocol. Grounded
// on the teacher's cmd/outbox-worker/main.go bootstrap shape: parse
// config, open stores, run until SIGTERM/SIGINT.
package main

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/pgstream/cqengine/internal/alertserver"
	"github.com/pgstream/cqengine/internal/catalog"
	"github.com/pgstream/cqengine/internal/combiner"
	"github.com/pgstream/cqengine/internal/config"
	"github.com/pgstream/cqengine/internal/groupcache"
	"github.com/pgstream/cqengine/internal/ipc"
	"github.com/pgstream/cqengine/internal/logger"
	"github.com/pgstream/cqengine/internal/microbatch"
	"github.com/pgstream/cqengine/internal/plan"
	"github.com/pgstream/cqengine/internal/scheduler"
	"github.com/pgstream/cqengine/internal/store/matrel"
	"github.com/pgstream/cqengine/internal/trigger"
	"github.com/pgstream/cqengine/internal/window"
	"github.com/pgstream/cqengine/internal/worker"
)

// queueCapacity bounds each worker/combiner IPC queue, standing in for
// the source's fixed shared-memory ring size.
const queueCapacity = 4096

// peekBatchCount bounds how many messages a worker/combiner RunOnce peeks
// per iteration. This is a message-count knob distinct from
// config.Config.BatchSizeKB, which bounds a forwarded microbatch's packed
// *byte* size (config.Config.MaxPackedBytes) — spec.md §6 names one GUC
// ("batch_size") for both, but §4.1's packing cap and §4.3's per-iteration
// peek count are different quantities at this layer.
const peekBatchCount = 256

// bytesPerStepRowEstimate approximates a sliding-window step row's average
// encoded size, used to translate combiner_work_mem_kb into a step-row
// count cap since window.Window.MaxStepRows is row-counted, not byte-sized.
const bytesPerStepRowEstimate = 256

// ttlVacuumInterval is the housekeeping cadence for every TTL-bearing CQ's
// vacuum pass.
const ttlVacuumInterval = 30 * time.Second

func main() {
	log := logger.New("cqengine")

	cfg, err := config.New()
	if err != nil {
		log.Fatal().Err(err).Msg("config")
	}

	if err := scheduler.ApplyProcessNiceness(cfg.ProcPriority); err != nil {
		log.Warn().Err(err).Msg("applying process niceness")
	}

	catalogDB, err := catalog.Open(cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("catalog: postgres open")
	}
	defer catalogDB.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := catalog.EnsureSchema(ctx, catalogDB); err != nil {
		log.Fatal().Err(err).Msg("catalog: ensure schema")
	}
	if err := catalog.EnsureTriggerSchema(ctx, catalogDB); err != nil {
		log.Fatal().Err(err).Msg("catalog: ensure trigger schema")
	}
	queries := catalog.New(catalogDB)

	matrelDB, err := matrel.Open(cfg.PostgresDSN, cfg.CombinerSyncCommit)
	if err != nil {
		log.Fatal().Err(err).Msg("matrel: postgres open")
	}
	defer matrelDB.Close()
	if err := matrel.EnsureSchema(ctx, matrelDB); err != nil {
		log.Fatal().Err(err).Msg("matrel: ensure schema")
	}

	// The plan registry is this process's one pluggable extension point:
	// compiling a CQ's SQL definition into executable pre-aggregate/
	// combine/overlay plans is out of scope here (internal/plan's package
	// doc), so a real deployment populates registry.Register for every
	// catalog.ContinuousQuery it loads. Left empty, every worker/combiner
	// iteration below is a correctly-wired no-op.
	registry := plan.NewRegistry()
	ackRegistry := microbatch.DefaultRegistry

	matrelStore := matrel.New(matrelDB, registry)
	stepStore := matrel.NewStepStore(matrelDB, registry)
	outputStore := matrel.NewOutputStore(matrelDB, outputPlans{registry: registry})
	ttlStore := matrel.NewTTLStore(matrelDB)

	alert := alertserver.NewServer(":"+strconv.Itoa(cfg.AlertServerPort), log.With().Str("component", "alertserver").Logger())
	alert.RingBufSize = cfg.AlertSocketMemKB * 1024

	dbIDs, err := queries.EnabledDatabaseIDs(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("catalog: listing enabled databases")
	}
	cqs, err := queries.ListCQs(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("catalog: listing continuous queries")
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		if err := alert.ListenAndServe(groupCtx); err != nil && groupCtx.Err() == nil {
			return err
		}
		return nil
	})

	runTTLVacuums(groupCtx, cqs, ttlStore, ttlVacuumInterval, log)

	sched := newScheduler(cfg, registry, matrelStore, outputStore, stepStore, cqs, ackRegistry, log)
	sched.Refresh(groupCtx, dbIDs)

	for _, dbid := range dbIDs {
		dbid := dbid
		group.Go(func() error {
			return runTriggerPipeline(groupCtx, cfg, catalogDB, queries, cqs, alert, uint32(dbid), log)
		})
	}

	if err := group.Wait(); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("cqengine exited with error")
		os.Exit(1)
	}
}

// slotKey identifies one worker or combiner slot across every database
// process group the scheduler supervises.
type slotKey struct {
	dbID    int64
	role    scheduler.Role
	groupID int
}

// newScheduler builds per-database worker/combiner slot state lazily (on
// each slot's first task call) and returns a Scheduler whose SlotTask
// closures dispatch to the right Worker/Combiner/window.Set by (dbID, role,
// groupID). TTL vacuums are started separately, by runTTLVacuums.
func newScheduler(cfg *config.Config, registry *plan.Registry, matrelStore *matrel.Store, outputStore *matrel.OutputStore, stepStore *matrel.StepStore, cqs []catalog.ContinuousQuery, acks *microbatch.Registry, logger zerolog.Logger) *scheduler.Scheduler {
	workers := make(map[slotKey]*worker.Worker)
	combiners := make(map[slotKey]*combiner.Combiner)
	windows := make(map[int64]*window.Set)
	routers := make(map[int64]*combiner.Router)

	workerTask := func(ctx context.Context, dbID int64, role scheduler.Role, groupID int) error {
		key := slotKey{dbID: dbID, role: scheduler.RoleWorker, groupID: groupID}
		w, ok := workers[key]
		if !ok {
			r, ok := routers[dbID]
			if !ok {
				r = combiner.NewRouter(cfg.NumCombiners, queueCapacity)
				routers[dbID] = r
			}
			w = &worker.Worker{
				GroupID:        groupID,
				NumWorkers:     cfg.NumWorkers,
				MaxWait:        time.Duration(cfg.MaxWaitMs) * time.Millisecond,
				BatchSize:      peekBatchCount,
				MaxPackedBytes: cfg.MaxPackedBytes(),
				Queue:          ipc.NewQueue[worker.StreamTuple](queueCapacity),
				Registry:       registry,
				Combiners:      r,
				Acks:           acks,
				Log:            logger.With().Int64("db_id", dbID).Int("worker", groupID).Logger(),
			}
			workers[key] = w
		}
		return w.RunOnce(ctx)
	}

	combinerTask := func(ctx context.Context, dbID int64, role scheduler.Role, groupID int) error {
		key := slotKey{dbID: dbID, role: scheduler.RoleCombiner, groupID: groupID}
		c, ok := combiners[key]
		if !ok {
			r, ok := routers[dbID]
			if !ok {
				r = combiner.NewRouter(cfg.NumCombiners, queueCapacity)
				routers[dbID] = r
			}
			c = &combiner.Combiner{
				GroupID:          groupID,
				NumCombiners:     cfg.NumCombiners,
				MaxWait:          time.Duration(cfg.MaxWaitMs) * time.Millisecond,
				BatchSize:        peekBatchCount,
				SyncStreamInsert: cfg.SyncStreamInsert,
				CommitInterval:   time.Duration(cfg.CommitIntervalMs) * time.Millisecond,
				Queue:            r.Queue(groupID),
				Plans:            registry,
				Matrel:           matrelStore,
				Output:           outputStore,
				Acks:             acks,
				Cache:            groupcache.New(int64(cfg.CombinerCacheMemKB) * 1024),
				Log:              logger.With().Int64("db_id", dbID).Int("combiner", groupID).Logger(),
			}
			combiners[key] = c
			ws := window.NewSet()
			maxStepRows := cfg.CombinerWorkMemKB * 1024 / bytesPerStepRowEstimate
			registerWindows(ws, cqs, registry, stepStore, outputStore, maxStepRows, logger)
			windows[dbID] = ws
		}

		if err := c.RunOnce(ctx); err != nil {
			return err
		}
		if ws, ok := windows[dbID]; ok {
			for _, err := range ws.TickDue(ctx, time.Now()) {
				c.Log.Error().Err(err).Msg("sliding-window tick failed")
			}
		}
		return nil
	}

	return scheduler.New(cfg.NumWorkers, cfg.NumCombiners, cfg.CrashRecovery, logger, workerTask, combinerTask)
}

// runTriggerPipeline tails dbOID's WAL for row-level changes and fires
// matching triggers through the alert server, one replication connection
// per active database (spec.md §5's scheduling model: "one trigger decoder
// per active database").
func runTriggerPipeline(ctx context.Context, cfg *config.Config, catalogDB *sql.DB, queries *catalog.Store, cqs []catalog.ContinuousQuery, alert *alertserver.Server, dbOID uint32, logger zerolog.Logger) error {
	connCfg, err := pgconn.ParseConfig(cfg.PostgresDSN)
	if err != nil {
		return err
	}
	connCfg.RuntimeParams["replication"] = "database"

	conn, err := pgconn.ConnectConfig(ctx, connCfg)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)

	triggerLog := logger.With().Uint32("db_oid", dbOID).Str("component", "trigger").Logger()
	decoder := trigger.NewDecoder(conn, dbOID, cfg.TriggerReplicationSlotName, triggerLog)
	if err := decoder.Start(ctx); err != nil {
		return err
	}

	triggerStore := catalog.NewTriggerStore(catalogDB, queries)
	cache := trigger.NewCache()
	processor := trigger.NewProcessor(cache, triggerStore, alert.FireFunc(), triggerLog)
	cleaner := &trigger.Cleaner{Cache: cache, Source: triggerStore, Log: triggerLog}

	for _, cq := range cqs {
		triggers, ok, err := triggerStore.TriggersFor(ctx, int64(cq.ID))
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		for _, t := range triggers {
			alert.Add(t.OID, t.SubscriptionName())
		}
	}

	go func() {
		if err := cleaner.Run(ctx); err != nil {
			triggerLog.Error().Err(err).Msg("trigger cache cleaner exited")
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		batch, err := decoder.ReadBatch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if batch == nil {
			continue
		}
		if err := processor.ProcessBatch(ctx, batch); err != nil {
			triggerLog.Error().Err(err).Msg("processing decoded batch failed")
		}
	}
}
