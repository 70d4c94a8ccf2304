package cmd

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/solatis/scankeeper/internal/core/api"
	"github.com/solatis/scankeeper/internal/core/config"
	"github.com/solatis/scankeeper/internal/engine"
	"github.com/solatis/scankeeper/internal/invoker"
)

// buildBinder selects the invoker binding named by the scan config: a
// fixture file or an HTTP endpoint. It returns nil when neither is set.
func buildBinder(fs afero.Fs, cfg config.ScanConfig) (api.Binder, error) {
	switch {
	case cfg.Fixtures != "":
		fixtures, err := invoker.LoadFixtures(fs, cfg.Fixtures)
		if err != nil {
			return nil, err
		}
		logger.WithFields(log.Fields{"fixtures": cfg.Fixtures, "services": fixtures.ServiceNames()}).Info("using recorded fixtures")
		return func(service string) engine.ActionInvoker { return fixtures.Invoker(service) }, nil
	case cfg.HTTPBaseURL != "":
		inv, err := invoker.NewHTTPInvoker(cfg.HTTPBaseURL)
		if err != nil {
			return nil, fmt.Errorf("http invoker: %w", err)
		}
		logger.WithFields(log.Fields{"base_url": cfg.HTTPBaseURL}).Info("using HTTP invoker")
		return func(string) engine.ActionInvoker { return inv }, nil
	default:
		return nil, nil
	}
}
