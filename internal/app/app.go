// -----------------------------------------------------------------------
// Application wiring - storage, queue, launcher, transports and handlers
// -----------------------------------------------------------------------

package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/crawjud/internal/bots/pje"
	"github.com/ternarybob/crawjud/internal/bus"
	"github.com/ternarybob/crawjud/internal/common"
	"github.com/ternarybob/crawjud/internal/handlers"
	"github.com/ternarybob/crawjud/internal/interfaces"
	"github.com/ternarybob/crawjud/internal/jobs/janitor"
	"github.com/ternarybob/crawjud/internal/jobs/launcher"
	"github.com/ternarybob/crawjud/internal/jobs/progress"
	"github.com/ternarybob/crawjud/internal/models"
	"github.com/ternarybob/crawjud/internal/queue"
	"github.com/ternarybob/crawjud/internal/services/browser"
	"github.com/ternarybob/crawjud/internal/services/events"
	"github.com/ternarybob/crawjud/internal/storage/artifacts"
	"github.com/ternarybob/crawjud/internal/storage/badger"
)

// Transports accepted by [progress] transport
const (
	TransportHub       = "hub"
	TransportWebSocket = "websocket"
	TransportNATS      = "nats"
	TransportNone      = "none"
)

// App holds all application components and dependencies
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	DB         *badger.BadgerDB
	Tasks      interfaces.TaskStateStorage
	Queue      *queue.BadgerManager
	WorkerPool *queue.WorkerPool

	EventService interfaces.EventService
	Artifacts    interfaces.ArtifactStore
	Registry     *launcher.Registry
	Launcher     *launcher.Launcher
	Janitor      *janitor.Janitor
	Bus          *bus.Client // nil unless the nats transport is selected

	// HTTP handlers
	RoomHub    *handlers.RoomHub
	JobHandler *handlers.JobHandler

	subscriptions []*nats.Subscription
}

// New initializes the application with all dependencies. Workers and the janitor are
// not running until Start.
func New(ctx context.Context, cfg *common.Config, logger arbor.ILogger) (*App, error) {
	a := &App{
		Config: cfg,
		Logger: logger,
	}

	if err := a.initStorage(); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	if err := a.initServices(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}
	a.initHandlers()

	logger.Info().
		Str("transport", a.transport()).
		Str("artifacts", cfg.Artifacts.Type).
		Strs("bots", a.Registry.Keys()).
		Msg("Application initialization complete")
	return a, nil
}

// initStorage opens Badger and the task queue
func (a *App) initStorage() error {
	if err := os.MkdirAll(a.Config.Jobs.WorkDir, 0755); err != nil {
		return fmt.Errorf("failed to create work dir: %w", err)
	}

	db, err := badger.NewBadgerDB(a.Logger, &a.Config.Storage.Badger)
	if err != nil {
		return err
	}
	a.DB = db
	a.Tasks = badger.NewTaskStateStorage(db, a.Logger)

	qc := queue.NewConfig(a.Config.Queue)
	a.Queue, err = queue.NewBadgerManager(db.DB(), qc.QueueName, qc.VisibilityTimeout, qc.MaxReceive)
	if err != nil {
		return fmt.Errorf("failed to create task queue: %w", err)
	}
	a.WorkerPool = queue.NewWorkerPool(a.Queue, qc, a.Logger)

	a.Logger.Debug().
		Str("path", a.Config.Storage.Badger.Path).
		Str("queue", qc.QueueName).
		Msg("Storage layer initialized")
	return nil
}

// initServices wires the event bus, transports, artifact store, bots and launcher
func (a *App) initServices(ctx context.Context) error {
	a.EventService = events.NewService(a.Logger)
	if err := events.SubscribeLoggerToAllEvents(a.EventService, a.Logger); err != nil {
		return err
	}

	store, err := artifacts.New(ctx, a.Config.Artifacts, a.Logger)
	if err != nil {
		return err
	}
	a.Artifacts = store

	if a.transport() == TransportNATS {
		if err := a.initBus(); err != nil {
			return err
		}
	}

	a.Registry = launcher.NewRegistry()
	if err := RegisterBots(a.Registry); err != nil {
		return err
	}

	a.Launcher, err = launcher.New(launcher.Deps{
		Registry:     a.Registry,
		Tasks:        a.Tasks,
		Queue:        a.Queue,
		Artifacts:    a.Artifacts,
		Events:       a.EventService,
		NewDriver:    a.newDriver,
		NewPublisher: a.newPublisher,
		Logger:       a.Logger,
	}, a.Config)
	if err != nil {
		return err
	}
	a.WorkerPool.RegisterHandler(models.TaskTypeBot, a.Launcher.HandleTask)

	a.Janitor = janitor.New(a.Tasks, a.Launcher, a.Config, a.Logger)
	return nil
}

// initBus connects to NATS, relays remote progress into the room hub and forwards stop
// requests raised in this process to every worker
func (a *App) initBus() error {
	client, err := bus.Connect(a.Config.Progress.NATSURL)
	if err != nil {
		return err
	}
	a.Bus = client
	prefix := a.Config.Progress.SubjectPrefix

	sub, err := client.SubscribeProgress(prefix, func(ctx context.Context, event models.ProgressEvent) {
		if err := a.EventService.Publish(ctx, interfaces.Event{Type: interfaces.EventJobProgress, Payload: event}); err != nil {
			a.Logger.Warn().Err(err).Str("pid", event.PID).Msg("Failed to relay bus progress")
		}
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to progress: %w", err)
	}
	a.subscriptions = append(a.subscriptions, sub)

	return a.EventService.Subscribe(interfaces.EventStopRequested, func(ctx context.Context, event interfaces.Event) error {
		ref, ok := event.Payload.(models.RoomRef)
		if !ok {
			return fmt.Errorf("unexpected stop payload %T", event.Payload)
		}
		return client.RequestStop(prefix, ref.Room, ref.Reason)
	})
}

func (a *App) initHandlers() {
	a.RoomHub = handlers.NewRoomHub(a.EventService, a.Logger)
	a.JobHandler = handlers.NewJobHandler(a.Launcher, a.Logger)
}

// RegisterBots adds every bot shipped with the binary
func RegisterBots(r *launcher.Registry) error {
	return r.Register(launcher.Registration{
		Category:    "capa",
		System:      "pje",
		New:         pje.NewCapa,
		NeedsDriver: true,
	})
}

func (a *App) transport() string {
	t := strings.ToLower(strings.TrimSpace(a.Config.Progress.Transport))
	if t == "" {
		return TransportHub
	}
	return t
}

func (a *App) newDriver(pid string) interfaces.Driver {
	return browser.NewDriver(a.Config.Browser, a.Config.Jobs.WorkDir, pid, a.Logger)
}

// newPublisher creates the progress channel of a job for the configured transport
func (a *App) newPublisher(pid string) interfaces.Publisher {
	switch a.transport() {
	case TransportWebSocket:
		return progress.NewWebSocketPublisher(a.Config.Progress.WebSocketURL, pid, a.Logger)
	case TransportNATS:
		return bus.NewPublisher(a.Config.Progress.NATSURL, a.Config.Progress.SubjectPrefix, pid, a.Logger)
	case TransportNone:
		return progress.NoopPublisher{}
	default:
		return progress.NewHubPublisher(a.EventService)
	}
}

// ArtifactDir returns the directory served under /files when artifacts are stored locally
func (a *App) ArtifactDir() string {
	if local, ok := a.Artifacts.(*artifacts.LocalStore); ok {
		return local.Dir()
	}
	return ""
}

// Start launches the queue workers and the janitor schedule
func (a *App) Start() error {
	a.WorkerPool.Start()
	if a.Config.Janitor.Enabled {
		if err := a.Janitor.Start(a.Config.Janitor.Schedule); err != nil {
			return err
		}
	}
	a.Logger.Info().Int("concurrency", a.Config.Queue.Concurrency).Msg("Job workers started")
	return nil
}

// Close stops running jobs, waits for them to finalize and releases resources in reverse
// order of creation
func (a *App) Close() error {
	var errs []error

	if a.Launcher != nil {
		if n := a.Launcher.StopAll("shutdown"); n > 0 {
			a.Logger.Info().Int("jobs", n).Msg("Stop requested for running jobs")
		}
	}
	if a.WorkerPool != nil {
		// stopped jobs finalize before their handler context is cancelled
		ctx, cancel := context.WithTimeout(context.Background(), queue.NewConfig(a.Config.Queue).ShutdownTimeout)
		if err := a.WorkerPool.Shutdown(ctx); err != nil {
			a.Logger.Warn().Err(err).Msg("Jobs still running at shutdown deadline")
		}
		cancel()
	}
	if a.Janitor != nil && a.Config.Janitor.Enabled {
		a.Janitor.Stop()
	}
	for _, sub := range a.subscriptions {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, err)
		}
	}
	if a.Bus != nil {
		a.Bus.Close()
	}
	if a.EventService != nil {
		if err := a.EventService.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.Queue != nil {
		if err := a.Queue.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		}
	}

	a.Logger.Info().Str("work_dir", filepath.Clean(a.Config.Jobs.WorkDir)).Msg("Application closed")
	return errors.Join(errs...)
}
