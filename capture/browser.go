package capture

import (
	"context"

	"github.com/hazyhaar/captrace/capture/internal/session"
)

// StartBrowser launches the Chrome manager configured in cfg.Session
// and returns it as a Driver plus its shutdown function.
func StartBrowser(ctx context.Context, cfg *Config) (Driver, func() error, error) {
	m := session.NewManager(cfg.Session)
	if err := m.Start(ctx); err != nil {
		return nil, nil, err
	}
	return m, m.Close, nil
}
