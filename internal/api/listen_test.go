package api

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListenRandomPortInRange(t *testing.T) {
	ln, err := Listen("127.0.0.1", 0)
	require.NoError(t, err)
	defer ln.Close()

	port := ln.Addr().(*net.TCPAddr).Port
	assert.GreaterOrEqual(t, port, RandomPortMin)
	assert.Less(t, port, RandomPortMax)
}

func TestListenPinnedPortInUse(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	_, err = Listen("127.0.0.1", busy.Addr().(*net.TCPAddr).Port)
	assert.ErrorIs(t, err, ErrPortInUse)
}

func TestListenPinnedPort(t *testing.T) {
	scratch, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := scratch.Addr().(*net.TCPAddr).Port
	require.NoError(t, scratch.Close())

	ln, err := Listen("127.0.0.1", port)
	require.NoError(t, err)
	defer ln.Close()
	assert.Equal(t, port, ln.Addr().(*net.TCPAddr).Port)
}
