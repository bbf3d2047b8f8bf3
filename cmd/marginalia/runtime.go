package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/marginalia/internal/annotations"
	"github.com/MarcoPoloResearchLab/marginalia/internal/bridge"
	"github.com/MarcoPoloResearchLab/marginalia/internal/config"
	"github.com/MarcoPoloResearchLab/marginalia/internal/database"
	"github.com/MarcoPoloResearchLab/marginalia/internal/documents"
	"github.com/MarcoPoloResearchLab/marginalia/internal/focus"
	"github.com/MarcoPoloResearchLab/marginalia/internal/logging"
)

// runtime holds the engine assembled from configuration.
type runtime struct {
	config    config.AppConfig
	logger    *zap.Logger
	workspace *documents.Workspace
	store     *annotations.Store
	bridge    *bridge.Bridge
	db        *gorm.DB
}

func (app *cli) loadConfig() (config.AppConfig, *zap.Logger, error) {
	appConfig, err := config.Load(app.viper)
	if err != nil {
		return config.AppConfig{}, nil, err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return config.AppConfig{}, nil, err
	}
	return appConfig, logger, nil
}

func openRuntime(ctx context.Context, appConfig config.AppConfig, logger *zap.Logger, notifier bridge.Notifier) (*runtime, error) {
	workspace, err := documents.NewWorkspace(appConfig.WorkspaceRoot, appConfig.StateFilePath(), appConfig.DatabaseFilePath())
	if err != nil {
		return nil, err
	}

	rt := &runtime{config: appConfig, logger: logger, workspace: workspace}

	var persister annotations.Persister
	switch appConfig.StoreBackend {
	case config.BackendSQLite:
		db, err := database.OpenSQLite(appConfig.DatabaseFilePath(), logger)
		if err != nil {
			return nil, err
		}
		rt.db = db
		persister, err = database.NewSnapshotPersister(database.SnapshotPersisterConfig{
			Database:   db,
			Collection: appConfig.Collection,
		})
		if err != nil {
			rt.Close()
			return nil, err
		}
	default:
		persister, err = annotations.NewFilePersister(appConfig.StateFilePath())
		if err != nil {
			return nil, err
		}
	}

	store, err := annotations.Open(ctx, annotations.StoreConfig{
		Persister:     persister,
		Logger:        logger,
		ActiveProfile: annotations.ProfileID(appConfig.ActiveProfile),
	})
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.store = store

	rt.bridge, err = bridge.New(bridge.Config{
		Store:     store,
		Documents: workspace,
		Notifier:  notifier,
		Logger:    logger,
		Focus: &focus.Options{
			FocusedOpacity:   appConfig.FocusedOpacity,
			UnfocusedOpacity: appConfig.UnfocusedOpacity,
		},
	})
	if err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

// Close releases the database handle of the sqlite backend.
func (rt *runtime) Close() {
	if rt.db == nil {
		return
	}
	sqlDB, err := rt.db.DB()
	if err != nil {
		return
	}
	if err := sqlDB.Close(); err != nil {
		rt.logger.Warn("database close failed", zap.Error(err))
	}
	rt.db = nil
}

func describeBackend(appConfig config.AppConfig) string {
	if appConfig.StoreBackend == config.BackendSQLite {
		return fmt.Sprintf("sqlite:%s#%s", appConfig.DatabaseFilePath(), appConfig.Collection)
	}
	return "file:" + appConfig.StateFilePath()
}
