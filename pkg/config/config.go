// Package config loads the tunables of the LE Audio coordination layer.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/Krajiyah/leaudio-sdk/pkg/models"
	"github.com/Krajiyah/leaudio-sdk/pkg/util"
	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	envPrefix  = "LEAUDIO"
	configType = "yaml"

	keyRoundTripTimeout      = "round_trip_timeout"
	keyMaxStreams            = "max_streams"
	keyMaxEndpoints          = "max_endpoints"
	keyMaxUnicastGroups      = "max_unicast_groups"
	keyPASyncSkip            = "pa_sync_skip"
	keyPASyncTimeoutRatio    = "pa_sync_timeout_ratio"
	keyReceiveStateSlots     = "bass_receive_state_slots"
	keyHandledBroadcastCache = "handled_broadcast_memory"
)

// Config holds every tunable of the coordination layer
type Config struct {
	RoundTripTimeout       time.Duration `mapstructure:"round_trip_timeout"`
	MaxStreams             int           `mapstructure:"max_streams"`
	MaxEndpoints           int           `mapstructure:"max_endpoints"`
	MaxUnicastGroups       int           `mapstructure:"max_unicast_groups"`
	PASyncSkip             uint16        `mapstructure:"pa_sync_skip"`
	PASyncTimeoutRatio     int           `mapstructure:"pa_sync_timeout_ratio"`
	ReceiveStateSlots      int           `mapstructure:"bass_receive_state_slots"`
	HandledBroadcastMemory int           `mapstructure:"handled_broadcast_memory"`
}

// Default returns the built in configuration
func Default() Config {
	return Config{
		RoundTripTimeout:       util.DefaultRoundTripTimeout,
		MaxStreams:             8,
		MaxEndpoints:           16,
		MaxUnicastGroups:       2,
		PASyncSkip:             util.DefaultPASyncSkip,
		PASyncTimeoutRatio:     util.DefaultPASyncRatio,
		ReceiveStateSlots:      2,
		HandledBroadcastMemory: 16,
	}
}

// Validate rejects values no component can work with
func (c Config) Validate() error {
	switch {
	case c.RoundTripTimeout <= 0:
		return errors.Wrap(models.ErrInvalidArgument, keyRoundTripTimeout)
	case c.MaxStreams <= 0:
		return errors.Wrap(models.ErrInvalidArgument, keyMaxStreams)
	case c.MaxEndpoints <= 0:
		return errors.Wrap(models.ErrInvalidArgument, keyMaxEndpoints)
	case c.MaxUnicastGroups <= 0:
		return errors.Wrap(models.ErrInvalidArgument, keyMaxUnicastGroups)
	case c.ReceiveStateSlots <= 0 || c.ReceiveStateSlots > 0xFF:
		return errors.Wrap(models.ErrInvalidArgument, keyReceiveStateSlots)
	case c.HandledBroadcastMemory <= 0:
		return errors.Wrap(models.ErrInvalidArgument, keyHandledBroadcastCache)
	}
	return nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType(configType)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	d := Default()
	v.SetDefault(keyRoundTripTimeout, d.RoundTripTimeout)
	v.SetDefault(keyMaxStreams, d.MaxStreams)
	v.SetDefault(keyMaxEndpoints, d.MaxEndpoints)
	v.SetDefault(keyMaxUnicastGroups, d.MaxUnicastGroups)
	v.SetDefault(keyPASyncSkip, d.PASyncSkip)
	v.SetDefault(keyPASyncTimeoutRatio, d.PASyncTimeoutRatio)
	v.SetDefault(keyReceiveStateSlots, d.ReceiveStateSlots)
	v.SetDefault(keyHandledBroadcastCache, d.HandledBroadcastMemory)
	return v
}

// Load reads path (optional, yaml) and LEAUDIO_* environment overrides on top of the defaults
func Load(path string, logger *zap.SugaredLogger) (Config, error) {
	logger = util.NamedLogger(logger, "config")
	v := newViper()

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			logger.Warnw("Config file not found, using defaults", "path", path)
		} else {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				logger.Warnw("Viper failed to read config", "path", path, "error", err)
				return Config{}, errors.Wrap(err, "read config issue: ")
			}
		}
	}

	var c Config
	err := v.Unmarshal(&c, func(dConf *mapstructure.DecoderConfig) {
		dConf.WeaklyTypedInput = true
	})
	if err != nil {
		return Config{}, errors.Wrap(err, "decode config issue: ")
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}

	logger.Infow("Config values",
		"roundTripTimeout", c.RoundTripTimeout,
		"maxStreams", c.MaxStreams,
		"maxEndpoints", c.MaxEndpoints,
		"receiveStateSlots", c.ReceiveStateSlots)
	return c, nil
}
