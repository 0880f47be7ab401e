package msgnet

import (
	"os"
	"os/exec"
	"testing"

	"github.com/sammck-go/msgport/internal/logger"
	"github.com/sammck-go/msgport/pkg/msgport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const envStdioEcho = "MSGNET_TEST_STDIO_ECHO"

// TestMain turns the test binary into a stdio echo server when started by
// TestProcessConn
func TestMain(m *testing.M) {
	if os.Getenv(envStdioEcho) == "1" {
		os.Exit(stdioEcho())
	}
	os.Exit(m.Run())
}

func stdioEcho() int {
	c, err := NewStdioConn(logger.Nop(), nil)
	if err != nil {
		return 1
	}
	p := c.Port()
	p.AddEventListener(msgport.EventMessage, msgport.HandlerFunc(func(ev msgport.MessageEvent) {
		p.PostMessage(ev.Data, nil)
	}))
	p.Start()
	c.WaitShutdown()
	return 0
}

func TestProcessConn(t *testing.T) {
	self, err := os.Executable()
	require.NoError(t, err)
	cmd := exec.Command(self, "-test.run=^$")
	cmd.Env = append(os.Environ(), envStdioEcho+"=1")

	c, err := NewProcessConn(logger.NewTestLogger(t, "parent"), cmd, nil)
	require.NoError(t, err)
	got := listen(t, c.Port())
	msg := map[string]any{"hello": "child", "n": 2.0}
	require.NoError(t, c.Port().PostMessage(msg, nil))
	assert.Equal(t, msg, got.next(t).Data)

	// the child exits once its stdin closes
	c.Close()
	require.NotNil(t, cmd.ProcessState)
	assert.True(t, cmd.ProcessState.Success())
}
