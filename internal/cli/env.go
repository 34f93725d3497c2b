package cli

import (
	"context"

	"github.com/rescale/cloudstore/internal/cloud"
	"github.com/rescale/cloudstore/internal/cloud/providers"
	"github.com/rescale/cloudstore/internal/config"
	encryption "github.com/rescale/cloudstore/internal/crypto"
	"github.com/rescale/cloudstore/internal/http"
	"github.com/rescale/cloudstore/internal/logging"
	"github.com/rescale/cloudstore/internal/progress"
	"github.com/rescale/cloudstore/internal/resources"
)

// transferEnv bundles what every transfer command needs, built from the
// loaded configuration.
type transferEnv struct {
	cfg       *config.Config
	logger    *logging.Logger
	factory   *providers.Factory
	resources *resources.Manager
	keys      *encryption.DirectoryKeyProvider
}

// newBackend creates the backend serving scheme. Tests swap in fakes.
var newBackend = func(ctx context.Context, f *providers.Factory, scheme string) (cloud.Backend, error) {
	return f.NewBackend(ctx, scheme)
}

func newTransferEnv(cfg *config.Config, logger *logging.Logger) *transferEnv {
	return &transferEnv{
		cfg:     cfg,
		logger:  logger,
		factory: providers.NewFactory(cfg, logger),
		resources: resources.NewManager(resources.Config{
			APIConcurrency:      cfg.Transfer.APIConcurrency,
			InternalConcurrency: cfg.Transfer.InternalConcurrency,
		}),
		keys: encryption.NewDirectoryKeyProvider(cfg.Keys.Directory),
	}
}

// retry builds the per-operation retry policy. Retries are counted on the
// bar and logged at debug level.
func (e *transferEnv) retry(bar *progress.TransferBar) http.Config {
	rc := http.DefaultConfig()
	rc.MaxAttempts = e.cfg.Transfer.MaxAttempts
	rc.Stubborn = e.cfg.Transfer.Stubborn
	rc.OnRetry = func(op string, attempt int, err error) {
		if bar != nil {
			bar.OnRetry(op, attempt, err)
		}
		e.logger.Debug().Err(err).Str("op", op).Int("attempt", attempt).Msg("retrying")
	}
	return rc
}

// withBar routes console logging above the bar until the returned func is
// called.
func (e *transferEnv) withBar(bar *progress.TransferBar) (restore func()) {
	prev := e.logger.Output()
	e.logger.SetOutput(bar.Writer())
	return func() { e.logger.SetOutput(prev) }
}

// open parses an object URI and creates its backend.
func (e *transferEnv) open(ctx context.Context, uri string) (cloud.Backend, providers.Location, error) {
	loc, err := providers.ParseURI(uri)
	if err != nil {
		return nil, providers.Location{}, err
	}
	backend, err := newBackend(ctx, e.factory, loc.Scheme)
	if err != nil {
		return nil, providers.Location{}, err
	}
	return backend, loc, nil
}
