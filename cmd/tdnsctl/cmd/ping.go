/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var pingCount int

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Send an API ping request and present the response",
	Run: func(cmd *cobra.Command, args []string) {
		pr, err := SendPing(pingCount)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			return
		}
		fmt.Printf("%s from %s @ %s: pings: %d, pongs: %d, time: %s\n",
			pr.Msg, pr.Client, pr.Time.Format(time.RFC3339), pr.Pings, pr.Pongs, pr.Time.Format(time.RFC3339))
	},
}

func init() {
	rootCmd.AddCommand(pingCmd)
	pingCmd.Flags().IntVarP(&pingCount, "count", "c", 1, "ping counter to send to server")
}
