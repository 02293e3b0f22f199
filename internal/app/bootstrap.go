package app

import (
	"opsnotify/internal/config"
	"opsnotify/internal/desktop"
	"opsnotify/internal/storage"
	logx "opsnotify/pkg/logx"
)

func loggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func storageConfig(r *config.Resolved) storage.Config {
	return storage.Config{
		Driver:       r.Storage.Driver,
		Path:         r.Storage.Path,
		BusyTimeout:  r.Storage.BusyTimeout,
		PollInterval: r.Storage.PollInterval,
	}
}

func desktopConfig(r *config.Resolved) desktop.Config {
	return desktop.Config{
		AppName:    r.Desktop.AppName,
		RatePerSec: r.Desktop.RatePerSec,
		Burst:      r.Desktop.Burst,
		Expire:     r.Desktop.Expire,
	}
}
