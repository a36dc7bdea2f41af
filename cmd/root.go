// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"flag"

	"github.com/spf13/cobra"
)

var (
	// Serial connection flags
	portName string
	baudRate int

	// WebSocket connection flags
	wsURL         string
	wsUsername    string
	wsNoSSLVerify bool

	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "minlink",
	Short: "MIN serial link host",
	Long: `Minlink - host side of the MIN (Microcontroller Interconnect Network) protocol.

Provides commands for passive frame logging and error detection, reliable
frame exchange with a device, and a long-running daemon that bridges a MIN
session to WebSocket and MQTT clients.

Connection modes:
  Serial:    --port /dev/ttyUSB0 [--baud 115200]
  WebSocket: --url ws://host/path [--username user]

Settings are read from --config (default /etc/minlink/config.yaml), then
MIN_* environment variables, then flags given on the command line.

For WebSocket authentication, the password is read from the MIN_PASSWORD
environment variable, or prompted interactively if not set. The --password
flag is intentionally not provided to avoid leaking credentials in shell history.`,
	Version: "1.0.0",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// glog refuses to treat its flags as set until the Go flag set is parsed
		return flag.CommandLine.Parse(nil)
	},
}

func init() {
	// Serial connection flags
	rootCmd.PersistentFlags().StringVarP(&portName, "port", "p", "", "Serial port device")
	rootCmd.PersistentFlags().IntVarP(&baudRate, "baud", "b", 115200, "Baud rate (serial only)")

	// WebSocket connection flags
	rootCmd.PersistentFlags().StringVarP(&wsURL, "url", "u", "", "WebSocket URL (ws:// or wss://)")
	rootCmd.PersistentFlags().StringVar(&wsUsername, "username", "", "Username for HTTP Basic auth")
	rootCmd.PersistentFlags().BoolVar(&wsNoSSLVerify, "no-ssl-verify", false, "Skip TLS certificate verification (wss:// only)")

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", DefaultConfigPath, "Path to config file")

	// glog flags: -v, --logtostderr, --vmodule, ...
	rootCmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)
}

// loadSettings loads the config file and lets explicitly given flags win
func loadSettings(cmd *cobra.Command) (*Config, error) {
	flags := cmd.Flags()
	cfg, err := LoadConfig(configPath, flags.Changed("config"))
	if err != nil {
		return nil, err
	}

	if flags.Changed("port") {
		cfg.Serial.Port = portName
	}
	if flags.Changed("baud") {
		cfg.Serial.Baud = baudRate
	}

	// OpenLink reads the package flags
	portName = cfg.Serial.Port
	baudRate = cfg.Serial.Baud

	return cfg, cfg.Validate()
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}
