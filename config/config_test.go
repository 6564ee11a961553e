package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/matryer/is"
)

func TestLoadDefaults(t *testing.T) {
	is := is.New(t)
	c := &Config{}
	is.NoErr(c.Load(nil))
	is.Equal(c.NumThreads, 1)
	is.Equal(c.MaxVisits, int64(800))

	params, err := c.SearchParams()
	is.NoErr(err)
	is.Equal(params.MaxVisits, int64(800))
	is.Equal(params.NumThreads, 1)
}

func TestFlagOverrides(t *testing.T) {
	is := is.New(t)
	c := &Config{}
	is.NoErr(c.Load([]string{
		"-threads", "4",
		"-max-visits", "1600",
		"-max-time", "2.5",
		"-graph-search",
	}))

	params, err := c.SearchParams()
	is.NoErr(err)
	is.Equal(params.NumThreads, 4)
	is.Equal(params.MaxVisits, int64(1600))
	is.Equal(params.MaxTime, 2500*time.Millisecond)
	is.True(params.UseGraphSearch)
}

func TestParamsFileOverrides(t *testing.T) {
	is := is.New(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "params.yaml")
	is.NoErr(os.WriteFile(path, []byte("cpuctExploration: 1.75\nuseLcbForSelection: false\n"), 0o644))

	c := &Config{}
	is.NoErr(c.Load([]string{"-params-path", path}))

	params, err := c.SearchParams()
	is.NoErr(err)
	is.Equal(params.CpuctExploration, 1.75)
	is.True(!params.UseLcbForSelection)
}

func TestInvalidParamsRejected(t *testing.T) {
	is := is.New(t)
	c := &Config{}
	is.NoErr(c.Load([]string{"-threads", "0"}))
	_, err := c.SearchParams()
	is.True(err != nil)
}
