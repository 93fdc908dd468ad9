/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package cmd

import (
	"fmt"
	"os"

	"github.com/miekg/dns"
	"github.com/ryanuber/columnize"
	"github.com/spf13/cobra"

	"github.com/zonedaemon/tdnsd/tdns"
)

var keyid uint16
var keystate string

var keystoreCmd = &cobra.Command{
	Use:   "keystore",
	Short: "Manage SIG(0) and DNSSEC keys held by tdnsd",
}

var sig0Cmd = &cobra.Command{
	Use:   "sig0",
	Short: "Manage SIG(0) keys",
}

var dnssecCmd = &cobra.Command{
	Use:   "dnssec",
	Short: "Manage DNSSEC keys",
}

var sig0ListCmd = &cobra.Command{
	Use:   "list",
	Short: "List known SIG(0) keys",
	Run: func(cmd *cobra.Command, args []string) {
		kr, err := SendKeystore(tdns.KeystorePost{Command: "sig0-mgmt", SubCommand: "list"})
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}
		out := []string{"Zone|KeyID|State|Algorithm|Creator"}
		for _, k := range kr.Sig0keys {
			out = append(out, fmt.Sprintf("%s|%d|%s|%s|%s", k.Name, k.Keyid, k.State, k.Algorithm, k.Creator))
		}
		fmt.Println(columnize.SimpleFormat(out))
	},
}

var sig0SetStateCmd = &cobra.Command{
	Use:   "setstate",
	Short: "Change the trust state of a SIG(0) key",
	Run: func(cmd *cobra.Command, args []string) {
		kr, err := SendKeystore(tdns.KeystorePost{
			Command:    "sig0-mgmt",
			SubCommand: "setstate",
			Zone:       requireZone(),
			Keyid:      keyid,
			State:      keystate,
		})
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(kr.Msg)
	},
}

var sig0DeleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Delete a SIG(0) key",
	Run: func(cmd *cobra.Command, args []string) {
		kr, err := SendKeystore(tdns.KeystorePost{
			Command:    "sig0-mgmt",
			SubCommand: "delete",
			Zone:       requireZone(),
			Keyid:      keyid,
		})
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(kr.Msg)
	},
}

var dnssecListCmd = &cobra.Command{
	Use:   "list",
	Short: "List known DNSSEC keys",
	Run: func(cmd *cobra.Command, args []string) {
		kr, err := SendKeystore(tdns.KeystorePost{Command: "dnssec-mgmt", SubCommand: "list"})
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}
		out := []string{"Zone|KeyID|State|Flags|Algorithm"}
		for _, k := range kr.Dnskeys {
			flag := "ZSK"
			if k.Flags == dns.SEP|dns.ZONE {
				flag = "KSK"
			}
			out = append(out, fmt.Sprintf("%s|%d|%s|%s|%s", k.Name, k.Keyid, k.State, flag, k.Algorithm))
		}
		fmt.Println(columnize.SimpleFormat(out))
	},
}

var dnssecSetStateCmd = &cobra.Command{
	Use:   "setstate",
	Short: "Change the publication state of a DNSSEC key",
	Run: func(cmd *cobra.Command, args []string) {
		kr, err := SendKeystore(tdns.KeystorePost{
			Command:    "dnssec-mgmt",
			SubCommand: "setstate",
			Zone:       requireZone(),
			Keyid:      keyid,
			State:      keystate,
		})
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(kr.Msg)
	},
}

var dnssecDeleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Delete a DNSSEC key",
	Run: func(cmd *cobra.Command, args []string) {
		kr, err := SendKeystore(tdns.KeystorePost{
			Command:    "dnssec-mgmt",
			SubCommand: "delete",
			Zone:       requireZone(),
			Keyid:      keyid,
		})
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(kr.Msg)
	},
}

func init() {
	rootCmd.AddCommand(keystoreCmd)
	keystoreCmd.AddCommand(sig0Cmd, dnssecCmd)
	sig0Cmd.AddCommand(sig0ListCmd, sig0SetStateCmd, sig0DeleteCmd)
	dnssecCmd.AddCommand(dnssecListCmd, dnssecSetStateCmd, dnssecDeleteCmd)

	for _, c := range []*cobra.Command{sig0SetStateCmd, sig0DeleteCmd, dnssecSetStateCmd, dnssecDeleteCmd} {
		c.Flags().Uint16Var(&keyid, "keyid", 0, "key ID")
	}
	sig0SetStateCmd.Flags().StringVar(&keystate, "state", "", "new key state")
	dnssecSetStateCmd.Flags().StringVar(&keystate, "state", "", "new key state")
}
