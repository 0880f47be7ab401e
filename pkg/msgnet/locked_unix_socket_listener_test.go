package msgnet

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/sammck-go/msgport/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockedUnixSocketListener(t *testing.T) {
	lg := logger.NewTestLogger(t, "")
	path := filepath.Join(t.TempDir(), "mp.sock")
	l, err := NewLockedUnixSocketListener(lg, path)
	require.NoError(t, err)

	_, err = NewLockedUnixSocketListener(lg, path)
	assert.ErrorContains(t, err, "in use")

	go func() {
		c, err := net.Dial("unix", path)
		if err == nil {
			c.Close()
		}
	}()
	c, err := l.Accept()
	require.NoError(t, err)
	c.Close()

	require.NoError(t, l.Close())
	require.NoError(t, l.Close())
	_, err = os.Stat(path + ".lock")
	assert.True(t, os.IsNotExist(err))

	l2, err := NewLockedUnixSocketListener(lg, path)
	require.NoError(t, err)
	l2.Close()
}

func TestLockedUnixSocketListenerRefusesRegularFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0600))
	_, err := NewLockedUnixSocketListener(logger.NewTestLogger(t, ""), path)
	assert.ErrorContains(t, err, "not a unix domain socket")
}
