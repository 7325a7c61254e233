// Package handlers implements the job intake API.
package handlers

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"framefarm/internal/models"
	"framefarm/internal/pkg/logger"
	"framefarm/internal/ports"
	"framefarm/internal/render"
)

type JobStore interface {
	Create(ctx context.Context, j *models.Job) error
	List(ctx context.Context, status string, limit int) ([]models.Job, error)
	Get(ctx context.Context, id string) (*models.Job, error)
	FrameOutput(ctx context.Context, jobID string, frame int) (*models.Asset, error)
	SetStatus(ctx context.Context, id, status, errText string, from ...string) (bool, error)
}

type SceneStore interface {
	Create(ctx context.Context, s *models.Scene) error
	Get(ctx context.Context, id string) (*models.Scene, error)
	Delete(ctx context.Context, id string) error
}

// Queue hands job ids to workers.
type Queue interface {
	Push(ctx context.Context, jobID string) error
	Cancel(ctx context.Context, jobID string) error
	Len(ctx context.Context) (int64, error)
}

type Deps struct {
	// Pool and RDB are only used by the deep health check; nil skips it.
	Pool   *pgxpool.Pool
	RDB    *redis.Client
	Jobs   JobStore
	Scenes SceneStore
	Queue  Queue
	SP     ports.StorageProvider
	Log    *logger.Logger
	// MaxFrames caps the frame range of a new job; render.DefaultMaxFrames
	// when zero.
	MaxFrames int
}

type Handler struct {
	pool   *pgxpool.Pool
	rdb    *redis.Client
	jobs   JobStore
	scenes SceneStore
	queue  Queue
	sp     ports.StorageProvider
	log    *logger.Logger

	maxFrames int
}

func New(d Deps) *Handler {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	maxFrames := d.MaxFrames
	if maxFrames <= 0 {
		maxFrames = render.DefaultMaxFrames
	}
	return &Handler{
		pool:   d.Pool,
		rdb:    d.RDB,
		jobs:   d.Jobs,
		scenes: d.Scenes,
		queue:  d.Queue,
		sp:     d.SP,
		log:    log.WithComponent("api"),

		maxFrames: maxFrames,
	}
}
