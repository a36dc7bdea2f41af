// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad
//
// Minlink - MIN serial link host
//
// A CLI tool for exchanging, monitoring and bridging MIN (Microcontroller
// Interconnect Network) frames over serial and WebSocket links.

package main

import (
	"os"

	"github.com/Thermoquad/minlink/cmd"
	"github.com/golang/glog"
)

func main() {
	err := cmd.Execute()
	glog.Flush()
	if err != nil {
		// cobra has already printed the error
		os.Exit(1)
	}
}
