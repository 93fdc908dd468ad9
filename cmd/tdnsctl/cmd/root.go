/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zonedaemon/tdnsd/tdns"
)

var cfgFile string
var verbose, debug bool
var zonename string

var api *tdns.ApiClient

var rootCmd = &cobra.Command{
	Use:   "tdnsctl",
	Short: "tdnsctl talks to a running tdnsd over its control socket",
}

// Execute adds all child commands to the root command. Called once by main.main().
func Execute() {
	cobra.CheckErr(rootCmd.Execute())
}

func init() {
	cobra.OnInitialize(initConfig, initApi)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "/etc/tdns/tdnsctl.yaml", "config file path")
	rootCmd.PersistentFlags().StringVarP(&zonename, "zone", "z", "", "zone name")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "debug output")
}

func initConfig() {
	viper.SetConfigFile(cfgFile)
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if verbose {
			fmt.Printf("No config file found at %s, relying on flags and defaults.\n", cfgFile)
		}
	}
}

func initApi() {
	baseurl := viper.GetString("client.baseurl")
	if baseurl == "" {
		baseurl = "http://127.0.0.1:8080"
	}
	apikey := viper.GetString("client.apikey")
	authmethod := viper.GetString("client.authmethod")
	if authmethod == "" {
		authmethod = "X-API-Key"
	}
	rootca := viper.GetString("client.rootCAfile")

	api = tdns.NewClient("tdnsctl", baseurl, apikey, authmethod, rootca, verbose, debug)
}
