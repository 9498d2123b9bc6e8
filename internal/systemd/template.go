package systemd

import (
	"fmt"
)

// UnitOptions fills the console service unit.
type UnitOptions struct {
	Binary     string // default /usr/local/bin/hitlwatch
	ConfigPath string // default /etc/hitlwatch/config.yaml
	User       string // empty runs as DynamicUser
	StateDir   string // writable ledger directory, default /var/lib/hitlwatch
}

// ConsoleUnit returns the systemd unit for a long-running "hitlwatch run".
// The ledger directory is the only writable path.
func ConsoleUnit(opts UnitOptions) string {
	if opts.Binary == "" {
		opts.Binary = "/usr/local/bin/hitlwatch"
	}
	if opts.ConfigPath == "" {
		opts.ConfigPath = "/etc/hitlwatch/config.yaml"
	}
	if opts.StateDir == "" {
		opts.StateDir = "/var/lib/hitlwatch"
	}

	var user string
	if opts.User != "" {
		user = "User=" + opts.User + "\n"
	} else {
		user = "DynamicUser=true\n"
	}

	return fmt.Sprintf(`[Unit]
Description=hitlwatch operator console
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
%sExecStart=%s run --config %s --no-watch
Restart=on-failure
RestartSec=2
NoNewPrivileges=true
PrivateTmp=true
ProtectSystem=strict
ProtectHome=true
ReadWritePaths=%s

[Install]
WantedBy=multi-user.target
`, user, opts.Binary, opts.ConfigPath, opts.StateDir)
}
