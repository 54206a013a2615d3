package directory

import (
	"fmt"

	"callmesh/internal/core/domain"
	"callmesh/internal/core/ports"
	"callmesh/pkg/circuitbreaker"
	"callmesh/pkg/config"
	"callmesh/pkg/retry"
	"callmesh/pkg/utils"

	"go.uber.org/zap"
)

// Directory is a user and room lookup with an optional release hook.
type Directory interface {
	ports.UserDirectory
	ports.RoomDirectory
	Close()
}

// FromConfig builds the directory selected by cfg.Directory.Mode.
func FromConfig(cfg *config.Config, logger *zap.SugaredLogger) (Directory, error) {
	switch cfg.Directory.Mode {
	case "", "static":
		d := NewStaticDirectory()
		for _, u := range cfg.Directory.Users {
			d.AddUser(domain.UserProfile{
				ID:          domain.UserID(u.ID),
				DisplayName: u.DisplayName,
				AvatarURL:   u.AvatarURL,
			})
		}
		for room, members := range cfg.Directory.Rooms {
			ids := make([]domain.UserID, 0, len(members))
			for _, m := range members {
				ids = append(ids, domain.UserID(m))
			}
			d.SetRoom(domain.RoomRef(room), ids...)
		}
		return d, nil

	case "http":
		breaker := circuitbreaker.DefaultConfig()
		if cfg.Directory.Breaker.FailureThreshold > 0 {
			breaker.FailureThreshold = cfg.Directory.Breaker.FailureThreshold
		}
		if cfg.Directory.Breaker.OpenTimeout > 0 {
			breaker.Timeout = cfg.Directory.Breaker.OpenTimeout
		}
		logger.Infow("using http directory",
			"base_url", cfg.Directory.BaseURL,
			"api_key", utils.MaskSensitive(cfg.Directory.APIKey, 4),
		)
		return NewHTTPDirectory(HTTPConfig{
			BaseURL:  cfg.Directory.BaseURL,
			APIKey:   cfg.Directory.APIKey,
			Timeout:  cfg.Directory.Timeout,
			CacheTTL: cfg.Directory.CacheTTL,
			Breaker:  breaker,
			Retry:    retry.DefaultConfig(),
		}, logger), nil

	default:
		return nil, fmt.Errorf("unknown directory mode %q", cfg.Directory.Mode)
	}
}
