package app

import (
	"fmt"
	"os"

	"funding-rate-alerts/internal/config"
	"funding-rate-alerts/internal/storage"
)

// Migrate runs the embedded postgres schema migrations in the given direction:
// "up", "down" or "version".
func (a *App) Migrate(direction string) error {
	if a.Config.Storage.Driver != config.DriverPostgres {
		return fmt.Errorf("migrations apply to the postgres driver only (storage.driver=%s)", a.Config.Storage.Driver)
	}

	m, err := storage.NewMigrator(a.Config.Database.DSN)
	if err != nil {
		return err
	}
	defer func() {
		if err := m.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("failed to close migrator")
		}
	}()

	switch direction {
	case "up":
		if err := m.Up(); err != nil {
			return err
		}
		a.Logger.Info().Msg("迁移完成")
	case "down":
		if err := m.Down(); err != nil {
			return err
		}
		a.Logger.Info().Msg("迁移已回滚")
	case "version":
		version, dirty, err := m.Version()
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "version=%d dirty=%t\n", version, dirty)
	default:
		return fmt.Errorf("unknown migrate direction %q (want up, down or version)", direction)
	}
	return nil
}
