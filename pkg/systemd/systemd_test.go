package systemd

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"

	logx "possync/pkg/logx"
)

func TestNotifierStates(t *testing.T) {
	var sent []string
	n := NewNotifier(logx.Nop())
	n.send = func(_ bool, state string) (bool, error) {
		sent = append(sent, state)
		return true, nil
	}

	assert.True(t, n.Ready())
	assert.True(t, n.Status("2 jobs, next sales 02:00"))
	assert.True(t, n.Stopping())
	assert.Equal(t, []string{"READY=1", "STATUS=2 jobs, next sales 02:00", "STOPPING=1"}, sent)
}

func TestNotifierSwallowsErrors(t *testing.T) {
	n := NewNotifier(logx.Nop())
	n.send = func(bool, string) (bool, error) { return false, errors.New("socket gone") }
	assert.False(t, n.Ready())
}

func TestWatchdogDisabledOutsideSystemd(t *testing.T) {
	t.Setenv("WATCHDOG_USEC", "")
	t.Setenv("WATCHDOG_PID", "")
	n := NewNotifier(logx.Nop())
	assert.NoError(t, n.Watchdog(context.Background()))
}
