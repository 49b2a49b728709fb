package config

import "go.uber.org/fx"

// Module provides *Config built from the supplied Overrides.
func Module(ov Overrides) fx.Option {
	return fx.Module("config",
		fx.Supply(ov),
		fx.Provide(
			NewConfig,
		),
	)
}
