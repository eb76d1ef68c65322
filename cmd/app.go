package cmd

import (
	"errors"
	"fmt"

	"github.com/assetscope/assetscope/internal/utils"
	"github.com/assetscope/assetscope/pkg/assets"
	"github.com/assetscope/assetscope/pkg/cache"
	"github.com/assetscope/assetscope/pkg/esi"
	"github.com/assetscope/assetscope/pkg/sde"
	"github.com/assetscope/assetscope/pkg/storage"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// app holds everything a command needs to reach the asset service.
type app struct {
	dbPath string
	db     *storage.DB
	ref    *sde.DB
	cache  *cache.Manager
	svc    *assets.Service
}

func openApp() (*app, error) {
	dbPath, err := utils.GetAbsDBPath(viper.GetString("cache.path"))
	if err != nil {
		return nil, fmt.Errorf("could not resolve cache path: %w", err)
	}
	if err := ensureDir(dbPath); err != nil {
		return nil, err
	}
	db, err := storage.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening cache database %s: %w", dbPath, err)
	}

	sdePath := viper.GetString("sde.path")
	if err := ensureDir(sdePath); err != nil {
		db.Close()
		return nil, err
	}
	ref, err := sde.Open(sdePath)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("opening reference database %s: %w", sdePath, err)
	}

	client, err := esi.New(esi.Config{
		BaseURL:   viper.GetString("esi.base_url"),
		UserAgent: viper.GetString("esi.user_agent"),
		Token:     esi.StaticToken(viper.GetString("esi.token")),
		RateLimit: viper.GetFloat64("esi.rate_limit"),
		RetryMax:  viper.GetInt("esi.max_retries"),
		Proxy:     viper.GetString("esi.proxy"),
	})
	if err != nil {
		db.Close()
		ref.Close()
		return nil, err
	}

	mgr := cache.New(db, cache.Options{
		TTL:                viper.GetDuration("cache.ttl"),
		MinRebuildInterval: viper.GetDuration("cache.min_rebuild_interval"),
		Log:                utils.Log,
	})

	svc, err := assets.NewService(assets.Config{
		Source:             client,
		Names:              client,
		Reference:          ref,
		Cache:              mgr,
		Pins:               db,
		FetchConcurrency:   viper.GetInt("pipeline.fetch_concurrency"),
		ResolveConcurrency: viper.GetInt("pipeline.resolve_concurrency"),
		MaxAttempts:        viper.GetInt("pipeline.max_attempts"),
		NameTTL:            viper.GetDuration("pipeline.name_ttl"),
		Log:                utils.Log,
	})
	if err != nil {
		db.Close()
		ref.Close()
		return nil, err
	}

	return &app{dbPath: dbPath, db: db, ref: ref, cache: mgr, svc: svc}, nil
}

func (a *app) Close() {
	if err := a.db.Close(); err != nil {
		utils.Log.Warnf("closing cache database: %v", err)
	}
	if err := a.ref.Close(); err != nil {
		utils.Log.Warnf("closing reference database: %v", err)
	}
}

// withWriteLock runs fn while holding the cross-process cache lock.
func (a *app) withWriteLock(fn func() error) error {
	lock, err := utils.NewDBLock(a.dbPath)
	if err != nil {
		return err
	}
	if err := lock.Lock(); err != nil {
		return err
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			utils.Log.Warnf("%v", err)
		}
	}()
	return fn()
}

var errNoOrg = errors.New("no organization given: pass --org or set org.id in ~/.assetscope.yaml")

func addOrgFlag(cmd *cobra.Command) {
	cmd.Flags().Int64("org", 0, "Corporation id (default is org.id from the config file)")
}

func orgID(cmd *cobra.Command) (int64, error) {
	id, _ := cmd.Flags().GetInt64("org")
	if id == 0 {
		id = viper.GetInt64("org.id")
	}
	if id == 0 {
		return 0, errNoOrg
	}
	return id, nil
}
