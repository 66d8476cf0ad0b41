package providers

import (
	"github.com/smallbiznis/payflow/internal/providers/email"
	"github.com/smallbiznis/payflow/internal/providers/pdf"
	"go.uber.org/fx"
)

var Module = fx.Module("providers",
	email.Module,
	pdf.Module,
)
