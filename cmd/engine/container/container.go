package container

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/gigaflow/gigaflow/common/config"
	"github.com/gigaflow/gigaflow/common/db"
	"github.com/gigaflow/gigaflow/common/gigachat"
	"github.com/gigaflow/gigaflow/common/logger"
	"github.com/gigaflow/gigaflow/common/queue"
	rediscommon "github.com/gigaflow/gigaflow/common/redis"
	"github.com/gigaflow/gigaflow/common/repository"
	"github.com/gigaflow/gigaflow/core/dispatch"
	"github.com/gigaflow/gigaflow/core/engine"
	"github.com/gigaflow/gigaflow/core/timers"
	"github.com/gigaflow/gigaflow/core/webhooks"
)

// Container holds all initialized services (singleton pattern). Store and
// queue backends are picked by configuration: postgres/redis in production,
// in-memory for single-process and test deployments.
type Container struct {
	Config *config.Config
	Logger *logger.Logger

	DB    *db.DB
	Redis *rediscommon.Client

	Store repository.WorkflowStore
	Queue queue.Queue

	Engine   *engine.Engine
	Timers   *timers.Manager
	Webhooks *webhooks.Registry
	Consumer *webhooks.Consumer
}

// NewContainer initializes all services once, bottom-up.
func NewContainer(ctx context.Context, cfg *config.Config, log *logger.Logger) (*Container, error) {
	c := &Container{
		Config: cfg,
		Logger: log,
	}

	if err := c.initStore(ctx); err != nil {
		return nil, err
	}
	if err := c.initQueue(); err != nil {
		return nil, err
	}

	chatFactory := gigachat.NewFactory(cfg.GigaChat, log)

	c.Engine = engine.New(c.Store, chatFactory, dispatch.NewSessionStore(), cfg.Engine, log)
	c.Timers = timers.NewManager(c.Store, c.Engine, log)

	var counter webhooks.Counter
	if c.Redis != nil {
		counter = c.Redis
	}
	c.Webhooks = webhooks.NewRegistry(c.Store, c.Queue, counter, cfg.Service.BaseURL, log)
	c.Consumer = webhooks.NewConsumer(c.Store, c.Queue, c.Engine, log)

	if err := c.Consumer.Start(ctx); err != nil {
		return nil, fmt.Errorf("start webhook consumer: %w", err)
	}

	return c, nil
}

func (c *Container) initStore(ctx context.Context) error {
	switch c.Config.Engine.StoreType {
	case "memory":
		c.Store = repository.NewMemoryStore()
		c.Logger.Info("using in-memory workflow store")
	default:
		database, err := db.New(ctx, c.Config, c.Logger)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		if err := database.InitSchema(ctx); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
		c.DB = database
		c.Store = repository.NewWorkflowRepository(database)
	}
	return nil
}

func (c *Container) initQueue() error {
	switch c.Config.Engine.QueueType {
	case "memory":
		c.Queue = queue.NewMemoryQueue(c.Logger)
		c.Logger.Info("using in-memory queue")
	default:
		raw := goredis.NewClient(&goredis.Options{
			Addr:     c.Config.Redis.Addr,
			Password: c.Config.Redis.Password,
			DB:       c.Config.Redis.DB,
		})
		c.Redis = rediscommon.NewClient(raw, c.Logger)
		c.Queue = queue.NewRedisQueue(c.Redis, c.Logger)
	}
	return nil
}

// Shutdown stops background work and releases connections.
func (c *Container) Shutdown(ctx context.Context) {
	c.Timers.Stop()
	if err := c.Queue.Close(); err != nil {
		c.Logger.Error("queue close failed", "error", err)
	}
	if c.Redis != nil {
		if err := c.Redis.GetUnderlying().Close(); err != nil {
			c.Logger.Error("redis close failed", "error", err)
		}
	}
	if c.DB != nil {
		c.DB.Close()
	}
	c.Logger.Info("container shut down")
}
