package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ppiankov/hitlwatch/internal/systemd"
)

var (
	unitOpts     systemd.UnitOptions
	unitPath     string
	unitHashPath string
)

func init() {
	rootCmd.AddCommand(serviceCmd)
	serviceCmd.AddCommand(serviceUnitCmd, serviceRecordCmd, serviceCheckCmd)

	serviceUnitCmd.Flags().StringVar(&unitOpts.Binary, "binary", "", "Installed binary path (default /usr/local/bin/hitlwatch)")
	serviceUnitCmd.Flags().StringVar(&unitOpts.ConfigPath, "config-path", "", "Config path used by the unit (default /etc/hitlwatch/config.yaml)")
	serviceUnitCmd.Flags().StringVar(&unitOpts.User, "user", "", "Run as this user instead of a dynamic user")
	serviceUnitCmd.Flags().StringVar(&unitOpts.StateDir, "state-dir", "", "Writable ledger directory (default /var/lib/hitlwatch)")

	for _, c := range []*cobra.Command{serviceRecordCmd, serviceCheckCmd} {
		c.Flags().StringVar(&unitPath, "unit", systemd.DefaultUnitPath, "Installed unit file")
		c.Flags().StringVar(&unitHashPath, "hash-file", "/etc/hitlwatch/unit.sha256", "Install-time unit hash")
	}
}

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "systemd unit helpers",
}

var serviceUnitCmd = &cobra.Command{
	Use:   "unit",
	Short: "Print the systemd unit for the console",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Fprint(cmd.OutOrStdout(), systemd.ConsoleUnit(unitOpts))
		return nil
	},
}

var serviceRecordCmd = &cobra.Command{
	Use:   "record-hash",
	Short: "Record the installed unit file hash as the baseline",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := systemd.RecordUnitFileHash(unitPath, unitHashPath); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Recorded %s\n", unitHashPath)
		return nil
	},
}

var serviceCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Compare the installed unit file against its recorded hash",
	Long:  "Exits 0 when the unit matches its baseline or nothing was recorded, 2 when it was modified.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if msg := systemd.CheckUnitFile(unitPath, unitHashPath); msg != "" {
			logger.Warn().Str("unit", unitPath).Msg(msg)
			return &exitError{code: 2, err: errors.New(msg)}
		}
		fmt.Fprintln(cmd.OutOrStdout(), "OK: unit file intact")
		return nil
	},
}
