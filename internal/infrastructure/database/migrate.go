package database

import (
	"context"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"jan-server/services/model-gateway/internal/infrastructure/database/entities"
)

// AutoMigrate applies database schema changes.
func AutoMigrate(ctx context.Context, db *gorm.DB, log zerolog.Logger) error {
	if err := db.WithContext(ctx).AutoMigrate(
		&entities.Provider{},
		&entities.Model{},
		&entities.ModelAlias{},
		&entities.ModelBinding{},
	); err != nil {
		return err
	}
	log.Info().Msg("applied catalog migrations")
	return nil
}
