/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package cmd

import (
	"fmt"
	"os"

	"github.com/miekg/dns"
	"github.com/spf13/cobra"

	"github.com/zonedaemon/tdnsd/tdns"
)

var force bool
var backupDir string

func requireZone() string {
	if zonename == "" {
		fmt.Println("Error: zone name not specified (-z). Terminating.")
		os.Exit(1)
	}
	return dns.Fqdn(zonename)
}

func sendZoneCommand(command string) {
	cr, err := SendCommand(tdns.CommandPost{
		Command: command,
		Zone:    requireZone(),
		Force:   force,
		Path:    backupDir,
	})
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(cr.Msg)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report whether tdnsd is running",
	Run: func(cmd *cobra.Command, args []string) {
		cr, err := SendCommand(tdns.CommandPost{Command: "status"})
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(cr.Msg)
	},
}

var listZonesCmd = &cobra.Command{
	Use:   "list-zones",
	Short: "List the zones tdnsd currently has loaded",
	Run: func(cmd *cobra.Command, args []string) {
		cr, err := SendCommand(tdns.CommandPost{Command: "list-zones"})
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}
		for _, n := range cr.Names {
			fmt.Println(n)
		}
	},
}

var loadCmd = &cobra.Command{
	Use:   "load",
	Short: "Schedule a (re)load of the zone from its zonefile or upstream",
	Run: func(cmd *cobra.Command, args []string) { sendZoneCommand("load") },
}

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Refresh a secondary zone from its primary",
	Run: func(cmd *cobra.Command, args []string) { sendZoneCommand("refresh") },
}

var retransferCmd = &cobra.Command{
	Use:   "retransfer",
	Short: "Force a full transfer of a secondary zone, ignoring the current serial",
	Run: func(cmd *cobra.Command, args []string) { sendZoneCommand("retransfer") },
}

var notifyCmd = &cobra.Command{
	Use:   "notify",
	Short: "Send NOTIFY to all configured downstreams for a zone",
	Run: func(cmd *cobra.Command, args []string) { sendZoneCommand("notify") },
}

var flushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Flush a zone's in-memory contents",
	Run: func(cmd *cobra.Command, args []string) { sendZoneCommand("flush") },
}

var signCmd = &cobra.Command{
	Use:   "sign",
	Short: "(Re-)sign a zone per its DNSSEC policy",
	Run: func(cmd *cobra.Command, args []string) { sendZoneCommand("sign") },
}

var kskSubmitCmd = &cobra.Command{
	Use:   "ksk-submit",
	Short: "Push a zone's DS record to its parent",
	Run: func(cmd *cobra.Command, args []string) { sendZoneCommand("ksk-submit") },
}

var freezeCmd = &cobra.Command{
	Use:   "freeze",
	Short: "Freeze a zone, blocking further scheduled events",
	Run: func(cmd *cobra.Command, args []string) { sendZoneCommand("freeze") },
}

var thawCmd = &cobra.Command{
	Use:   "thaw",
	Short: "Thaw a previously frozen zone",
	Run: func(cmd *cobra.Command, args []string) { sendZoneCommand("thaw") },
}

var zoneStatusCmd = &cobra.Command{
	Use:   "zone-status",
	Short: "Report a zone's running event, serial, and frozen/dirty state",
	Run: func(cmd *cobra.Command, args []string) { sendZoneCommand("zone-status") },
}

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Back up a zone's zonefile into a directory",
	Run: func(cmd *cobra.Command, args []string) { sendZoneCommand("backup") },
}

var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Restore a zone from a previously captured zonefile",
	Run: func(cmd *cobra.Command, args []string) { sendZoneCommand("restore") },
}

func init() {
	rootCmd.AddCommand(statusCmd, listZonesCmd, loadCmd, refreshCmd, retransferCmd,
		notifyCmd, flushCmd, signCmd, kskSubmitCmd, freezeCmd, thawCmd, zoneStatusCmd,
		backupCmd, restoreCmd)

	refreshCmd.Flags().BoolVarP(&force, "force", "F", false, "force refresh, ignoring SOA serial")
	backupCmd.Flags().StringVar(&backupDir, "dir", "", "backup destination directory")
	restoreCmd.Flags().StringVar(&backupDir, "dir", "", "zonefile to restore from")
}
