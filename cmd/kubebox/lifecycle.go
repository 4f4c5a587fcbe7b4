package main

import (
	"log/slog"

	"github.com/michaelbrown/kubebox/internal/config"
	"github.com/michaelbrown/kubebox/internal/driver"
	"github.com/michaelbrown/kubebox/internal/sandbox"
)

func newDriver(cfg *config.Config) *driver.KindDriver {
	return driver.NewKindDriver(
		driver.WithBinaries(cfg.Driver.KindBinary, cfg.Driver.KubectlBinary),
		driver.WithKubeconfigDir(cfg.Driver.KubeconfigDir),
	)
}

func managerConfig(cfg *config.Config) sandbox.Config {
	return sandbox.Config{
		Lifetime:      cfg.Sandbox.Lifetime,
		CreateTimeout: cfg.Sandbox.CreateTimeout,
		ReadyTimeout:  cfg.Sandbox.ReadyTimeout,
		DeleteTimeout: cfg.Sandbox.DeleteTimeout,
		ExecTimeout:   cfg.Sandbox.ExecTimeout,
		ListTimeout:   cfg.Sandbox.ListTimeout,
		AdoptOrphans:  cfg.Sandbox.AdoptOrphans,
		Policy: driver.Policy{
			DefaultImage:   cfg.Driver.NodeImage,
			Images:         cfg.Driver.AllowedImages,
			Workers:        cfg.Driver.Workers,
			MaxOutputBytes: cfg.Sandbox.MaxOutputBytes,
		},
	}
}

func newManager(cfg *config.Config, d driver.Driver, logger *slog.Logger, opts ...sandbox.Option) *sandbox.Manager {
	opts = append([]sandbox.Option{sandbox.WithLogger(logger)}, opts...)
	return sandbox.NewManager(d, managerConfig(cfg), opts...)
}
