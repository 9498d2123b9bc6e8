package systemd

import (
	"strings"
	"testing"
)

func TestConsoleUnitDefaults(t *testing.T) {
	unit := ConsoleUnit(UnitOptions{})

	for _, section := range []string{"[Unit]", "[Service]", "[Install]"} {
		if !strings.Contains(unit, section) {
			t.Errorf("unit missing section %s", section)
		}
	}
	if !strings.Contains(unit, "ExecStart=/usr/local/bin/hitlwatch run --config /etc/hitlwatch/config.yaml --no-watch") {
		t.Errorf("unexpected ExecStart:\n%s", unit)
	}
	if !strings.Contains(unit, "DynamicUser=true") {
		t.Error("expected DynamicUser when no user is set")
	}
	for _, directive := range []string{"NoNewPrivileges=true", "PrivateTmp=true", "ProtectSystem=strict", "ReadWritePaths=/var/lib/hitlwatch"} {
		if !strings.Contains(unit, directive) {
			t.Errorf("unit missing directive %s", directive)
		}
	}
}

func TestConsoleUnitOptions(t *testing.T) {
	unit := ConsoleUnit(UnitOptions{
		Binary:     "/opt/hitlwatch/bin/hitlwatch",
		ConfigPath: "/srv/range/console.yaml",
		User:       "operator",
		StateDir:   "/srv/range/ledger",
	})

	if !strings.Contains(unit, "User=operator\n") {
		t.Error("missing User directive")
	}
	if strings.Contains(unit, "DynamicUser") {
		t.Error("DynamicUser must not be set with an explicit user")
	}
	if !strings.Contains(unit, "ExecStart=/opt/hitlwatch/bin/hitlwatch run --config /srv/range/console.yaml") {
		t.Errorf("unexpected ExecStart:\n%s", unit)
	}
	if !strings.Contains(unit, "ReadWritePaths=/srv/range/ledger") {
		t.Error("missing ReadWritePaths")
	}
}
