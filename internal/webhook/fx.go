package webhook

import (
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/presenq/billing/internal/config"
	webhookdomain "github.com/presenq/billing/internal/webhook/domain"
	"github.com/presenq/billing/internal/webhook/repository"
	"github.com/presenq/billing/internal/webhook/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type RepositoryParams struct {
	fx.In

	Cfg   config.Config
	DB    *gorm.DB
	GenID *snowflake.Node
	Log   *zap.Logger
}

// NewRepository picks the event store backend from configuration. Postgres is
// the default; Supabase routes the same operations through PostgREST.
func NewRepository(p RepositoryParams) webhookdomain.Repository {
	if p.Cfg.StorageBackend == config.StorageSupabase {
		p.Log.Info("webhook event store backend", zap.String("backend", "supabase"))
		return repository.NewSupabase(repository.SupabaseConfig{
			BaseURL:        p.Cfg.SupabaseURL,
			ServiceRoleKey: p.Cfg.SupabaseServiceRoleKey,
		}, &http.Client{Timeout: 15 * time.Second}, p.GenID)
	}
	p.Log.Info("webhook event store backend", zap.String("backend", "postgres"))
	return repository.NewGorm(p.DB, p.GenID)
}

var Module = fx.Module("webhook",
	fx.Provide(
		NewRepository,
		service.NewReceiveService,
		service.NewRepublishService,
	),
)
