package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Krajiyah/leaudio-sdk/pkg/models"
	"github.com/pkg/errors"
	"gotest.tools/assert"
)

func TestLoadDefaults(t *testing.T) {
	c, err := Load("", nil)
	assert.NilError(t, err)
	assert.DeepEqual(t, c, Default())
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "leaudio.yaml")
	data := "round_trip_timeout: 250ms\nmax_streams: 4\nbass_receive_state_slots: 3\n"
	assert.NilError(t, os.WriteFile(path, []byte(data), 0600))

	c, err := Load(path, nil)
	assert.NilError(t, err)
	assert.Equal(t, c.RoundTripTimeout, 250*time.Millisecond)
	assert.Equal(t, c.MaxStreams, 4)
	assert.Equal(t, c.ReceiveStateSlots, 3)
	assert.Equal(t, c.MaxEndpoints, Default().MaxEndpoints)
}

func TestLoadEnv(t *testing.T) {
	t.Setenv("LEAUDIO_MAX_ENDPOINTS", "3")
	c, err := Load("", nil)
	assert.NilError(t, err)
	assert.Equal(t, c.MaxEndpoints, 3)
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "leaudio.yaml")
	assert.NilError(t, os.WriteFile(path, []byte("max_streams: 0\n"), 0600))
	_, err := Load(path, nil)
	assert.Equal(t, errors.Cause(err), models.ErrInvalidArgument)
}

func TestMissingFileFallsBack(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	assert.NilError(t, err)
	assert.Equal(t, c.PASyncSkip, Default().PASyncSkip)
}
