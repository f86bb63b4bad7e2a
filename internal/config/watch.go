package config

import (
	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/dgnsrekt/wavecache/internal/wavedata"
)

// Watch reloads the diagnostic toggles into d whenever the config file read
// by v changes. Every other setting needs a restart.
func Watch(v *viper.Viper, d *wavedata.Diagnostics, logger *log.Logger) {
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		if err := ReloadDiagnostics(v, d); err != nil {
			logger.Warn("Could not reload diagnostics", "file", e.Name, "err", err)
			return
		}
		logger.Info("Reloaded diagnostics", "file", e.Name, "toggles", d.Snapshot())
	})
	v.WatchConfig()
}

// ReloadDiagnostics decodes the diagnostics section of v, applies the
// environment overrides and stores the result in d.
func ReloadDiagnostics(v *viper.Viper, d *wavedata.Diagnostics) error {
	var cfg wavedata.DiagnosticsConfig
	if err := v.UnmarshalKey("diagnostics", &cfg); err != nil {
		return err
	}
	cfg, err := diagnosticsFromEnv(cfg)
	if err != nil {
		return err
	}
	d.Set(cfg)
	return nil
}
