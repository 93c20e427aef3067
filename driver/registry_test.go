package driver

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

// nopDriver embeds the interface: only Name is implemented, which is all the registry needs.
type nopDriver struct {
	Driver
	id int
}

func (d *nopDriver) Name() string { return "nop" }

func TestRegistry(t *testing.T) {
	var created int
	Register("test-nop", func(options Options) (Driver, error) {
		created++
		return &nopDriver{id: created}, nil
	})
	Register("test-failing", func(options Options) (Driver, error) {
		return nil, errors.New("no hardware")
	})
	require.Contains(t, Names(), "test-nop")

	drv, err := Get("test-nop", nil)
	require.NoError(t, err)
	require.Equal(t, "nop", drv.Name())

	// Cached.
	drv2, err := Get("test-nop", Options{"ignored": true})
	require.NoError(t, err)
	require.Same(t, drv, drv2)
	require.Equal(t, 1, created)

	// New is never cached.
	drv3, err := New("test-nop", nil)
	require.NoError(t, err)
	require.NotSame(t, drv, drv3)
	require.Equal(t, 2, created)

	_, err = Get("test-failing", nil)
	require.ErrorContains(t, err, "no hardware")

	_, err = Get("does-not-exist", nil)
	require.ErrorContains(t, err, "not registered")

	_, err = Get("test-nop-2", Options{"bad": struct{}{}})
	require.Error(t, err)
}
