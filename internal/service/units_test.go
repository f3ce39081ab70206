//go:build !windows

package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSystemdUnit_QuotesArguments(t *testing.T) {
	unit := systemdUnit("/usr/local/bin/vitalis-monitor", []string{"--config", "/etc/vitalis/my monitor.yaml"})

	assert.Contains(t, unit, `ExecStart=/usr/local/bin/vitalis-monitor --config "/etc/vitalis/my monitor.yaml"`+"\n")
	assert.Contains(t, unit, "ReadWritePaths=/var/lib/vitalis\n")
	assert.NotContains(t, unit, "{")
}

func TestLaunchdPlist_EscapesArguments(t *testing.T) {
	plist := launchdPlist("/opt/vitalis/monitor", []string{"--config", "/etc/a&b.yaml"}, "/var/lib/vitalis")

	assert.Contains(t, plist, "        <string>/opt/vitalis/monitor</string>\n        <string>--config</string>\n")
	assert.Contains(t, plist, "<string>/etc/a&amp;b.yaml</string>")
	assert.Contains(t, plist, "<string>/var/lib/vitalis</string>")
	assert.NotContains(t, plist, "{")
}

func TestMonitorService_RunReturnsStartError(t *testing.T) {
	want := errors.New("bind failed")
	svc := New(zap.NewNop(), func(context.Context) error { return want })

	require.False(t, IsWindowsService())
	assert.ErrorIs(t, svc.Run(), want)
}
