package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/castaneai/monopolymoney/pkg/devicestorage"
	"github.com/castaneai/monopolymoney/pkg/gameapi"
	"github.com/castaneai/monopolymoney/pkg/gamesession"
	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type config struct {
	APIURL      string        `envconfig:"MONOPOLY_API_URL" default:"http://localhost:8080"`
	WSURL       string        `envconfig:"MONOPOLY_WS_URL"`
	Storage     string        `envconfig:"MONOPOLY_STORAGE" default:"file"`
	StoragePath string        `envconfig:"MONOPOLY_STORAGE_PATH"`
	Profile     string        `envconfig:"MONOPOLY_PROFILE" default:"default"`
	ListenAddr  string        `envconfig:"MONOPOLY_LISTEN_ADDR" default:"127.0.0.1:8090"`
	HTTPTimeout time.Duration `envconfig:"MONOPOLY_HTTP_TIMEOUT" default:"10s"`
	ProjectID   string        `envconfig:"GOOGLE_CLOUD_PROJECT" default:"monopolymoney"`
}

const usage = `usage: monopolymoney <command> [arguments]

commands:
  list [-o text|yaml|json]   show the games stored on this device, most recent first
  new <name>                 create a game and join it as the banker
  join <gameId> [name]       join a game, or reopen one already stored
  refresh                    fetch the current status of every stored game
  watch <gameId>             follow the live status of a stored game
  forget <gameId>            remove a game from this device
  serve                      run the local HTTP API
`

func main() {
	os.Exit(run())
}

func run() int {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		return 2
	}
	var conf config
	if err := envconfig.Process("", &conf); err != nil {
		fmt.Fprintf(os.Stderr, "failed to process config: %+v\n", err)
		return 1
	}
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %+v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, &conf, logger)
	if err != nil {
		logger.Error("failed to set up", zap.Error(err))
		return 1
	}
	defer a.Close()

	if err := a.run(ctx, os.Stdout, os.Args[1], os.Args[2:]); err != nil {
		if err == errUsage {
			fmt.Fprint(os.Stderr, usage)
			return 2
		}
		logger.Error("command failed", zap.String("command", os.Args[1]), zap.Error(err))
		return 1
	}
	return 0
}

type app struct {
	conf   *config
	logger *zap.Logger
	store  *gamesession.Registry
	client *gameapi.Client
	closer func() error
}

func newApp(ctx context.Context, conf *config, logger *zap.Logger) (*app, error) {
	blob, closer, err := newBlob(ctx, conf)
	if err != nil {
		return nil, err
	}
	store := gamesession.NewRegistry(ctx, blob, gamesession.WithLogger(logger))
	opts := []gameapi.ClientOption{
		gameapi.WithHTTPClient(&http.Client{Timeout: conf.HTTPTimeout}),
		gameapi.WithLogger(logger),
	}
	if conf.WSURL != "" {
		opts = append(opts, gameapi.WithStreamURL(conf.WSURL))
	}
	return &app{
		conf:   conf,
		logger: logger,
		store:  store,
		client: gameapi.NewClient(conf.APIURL, opts...),
		closer: closer,
	}, nil
}

func (a *app) Close() error {
	if a.closer == nil {
		return nil
	}
	return a.closer()
}

func newBlob(ctx context.Context, conf *config) (devicestorage.Blob, func() error, error) {
	switch conf.Storage {
	case "file":
		path, err := storagePath(conf, ".json")
		if err != nil {
			return nil, nil, err
		}
		b, err := devicestorage.NewFileBlob(path)
		if err != nil {
			return nil, nil, err
		}
		return b, nil, nil
	case "sqlite":
		path, err := storagePath(conf, ".db")
		if err != nil {
			return nil, nil, err
		}
		db, err := devicestorage.OpenSQLite(path)
		if err != nil {
			return nil, nil, err
		}
		return db.Profile(conf.Profile), db.Close, nil
	case "firestore":
		fc, err := firestore.NewClient(ctx, conf.ProjectID)
		if err != nil {
			return nil, nil, errors.Wrap(err, "failed to new firestore client")
		}
		return devicestorage.NewFirestoreBlob(fc, conf.Profile), fc.Close, nil
	}
	return nil, nil, errors.Errorf("unknown storage backend: %s", conf.Storage)
}

// storagePath defaults to <user config dir>/monopolymoney/<profile><ext>.
func storagePath(conf *config, ext string) (string, error) {
	if conf.StoragePath != "" {
		return conf.StoragePath, nil
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", errors.Wrap(err, "failed to find user config dir")
	}
	dir = filepath.Join(dir, "monopolymoney")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", errors.Wrapf(err, "failed to create %s", dir)
	}
	return filepath.Join(dir, conf.Profile+ext), nil
}
