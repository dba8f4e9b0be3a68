package billing

import (
	"github.com/presenq/billing/internal/billing/repository"
	"github.com/presenq/billing/internal/billing/service"
	"go.uber.org/fx"
)

var Module = fx.Module("billing",
	fx.Provide(
		repository.New,
		service.NewReconcileService,
	),
)
