//go:build !windows

package service

import (
	"html"
	"strings"
)

const (
	unitName  = "vitalis-monitor"
	plistName = "com.vitalis.monitor"
	dataDir   = "/var/lib/vitalis"
)

const unitTemplate = `[Unit]
Description=Vitalis Monitor
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart={execStart}
WorkingDirectory={dataDir}
Restart=always
RestartSec=10
StandardOutput=journal
StandardError=journal
SyslogIdentifier=vitalis-monitor

NoNewPrivileges=true
ProtectSystem=strict
ProtectHome=true
ReadWritePaths={dataDir}
PrivateTmp=true

[Install]
WantedBy=multi-user.target
`

const plistTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>com.vitalis.monitor</string>
    <key>ProgramArguments</key>
    <array>
{arguments}    </array>
    <key>WorkingDirectory</key>
    <string>{dataDir}</string>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <true/>
    <key>StandardOutPath</key>
    <string>/var/log/vitalis-monitor.stdout.log</string>
    <key>StandardErrorPath</key>
    <string>/var/log/vitalis-monitor.stderr.log</string>
</dict>
</plist>
`

// systemdUnit renders the unit file. Arguments containing spaces are
// quoted for systemd.
func systemdUnit(exePath string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	for _, a := range append([]string{exePath}, args...) {
		if strings.ContainsAny(a, " \t\"") {
			a = `"` + strings.ReplaceAll(a, `"`, `\"`) + `"`
		}
		parts = append(parts, a)
	}
	unit := strings.ReplaceAll(unitTemplate, "{execStart}", strings.Join(parts, " "))
	return strings.ReplaceAll(unit, "{dataDir}", dataDir)
}

// launchdPlist renders the launch daemon property list.
func launchdPlist(exePath string, args []string, workDir string) string {
	var b strings.Builder
	for _, a := range append([]string{exePath}, args...) {
		b.WriteString("        <string>")
		b.WriteString(html.EscapeString(a))
		b.WriteString("</string>\n")
	}
	plist := strings.ReplaceAll(plistTemplate, "{arguments}", b.String())
	return strings.ReplaceAll(plist, "{dataDir}", html.EscapeString(workDir))
}
