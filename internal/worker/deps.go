package worker

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"framefarm/internal/config"
	"framefarm/internal/pkg/logger"
	"framefarm/internal/ports"
)

type Deps struct {
	Config  config.Config
	Pool    *pgxpool.Pool
	RDB     *redis.Client
	Storage ports.StorageProvider
	Market  ports.Marketplace
	// Reporter, if set, receives status updates next to the job_frames
	// table (the HTTP status backend, usually).
	Reporter ports.StatusReporter
	Log      *logger.Logger
}
