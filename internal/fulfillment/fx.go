package fulfillment

import "go.uber.org/fx"

var Module = fx.Module("fulfillment",
	fx.Provide(
		NewPublisher,
		func(p *NotifyingPublisher) Publisher { return p },
	),
	fx.Provide(NewReceipts),
)
