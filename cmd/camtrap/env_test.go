package main

import (
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/camtrap/internal/cct"
	"github.com/born-ml/camtrap/internal/classifier"
	"github.com/born-ml/camtrap/internal/config"
)

func parseCommon(t *testing.T, args ...string) (*env, error) {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	common := addCommonFlags(fs)
	require.NoError(t, fs.Parse(args))
	return common.load()
}

func TestLoad_FlagsOverrideConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "camtrap.yml")
	require.NoError(t, os.WriteFile(path, []byte("data:\n  dataset: CCT_CIS_S2\n"), 0o600))

	e, err := parseCommon(t, "-config", path, "-data", "/srv/cct", "-log-level", "warn")
	require.NoError(t, err)
	assert.Equal(t, "CCT_CIS_S2", e.cfg.Data.Dataset)
	assert.Equal(t, "/srv/cct", e.cfg.Data.Root)
	assert.Equal(t, "warn", e.cfg.Log.Level)

	e, err = parseCommon(t, "-config", path, "-dataset", "CCT_TRANS")
	require.NoError(t, err)
	assert.Equal(t, "CCT_TRANS", e.cfg.Data.Dataset)
}

func TestLoad_InvalidOverride(t *testing.T) {
	_, err := parseCommon(t, "-device", "tpu")
	assert.True(t, errors.Is(err, config.ErrInvalid))
}

func TestOpenSplit_TransHasNoTraining(t *testing.T) {
	e, err := parseCommon(t, "-data", t.TempDir(), "-dataset", "CCT_TRANS")
	require.NoError(t, err)

	_, err = e.openSplit(cct.SplitTrain, nil)
	assert.True(t, errors.Is(err, cct.ErrNoTrainingSplit))
}

func TestResolveWeights(t *testing.T) {
	cc := classifier.DefaultConfig(2)
	url, err := resolveWeights(cc)
	require.NoError(t, err)
	assert.Contains(t, url, "resnet18")

	cc.WeightsInit = classifier.WeightsNone
	_, err = resolveWeights(cc)
	assert.Error(t, err)
}

func TestSortedKeys(t *testing.T) {
	assert.Equal(t, []int{1, 5, 30}, sortedKeys(map[int]int{30: 1, 1: 2, 5: 3}))
}
