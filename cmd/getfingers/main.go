// Copyright 2025 The go-dhash Authors
// This file is part of go-dhash.
//
// go-dhash is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// go-dhash is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with go-dhash. If not, see <http://www.gnu.org/licenses/>.

// getfingers dumps a node's routing tables over its control channel.
//
// Syntax: getfingers [control address]
//
// The default control address is the local node's. One row is printed per
// routing entry: the node itself, its predecessor, its successor list and
// the occupied finger slots, for every joined ring.
package main

import (
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"

	"github.com/dhashchain/go-dhash/dhash"
	"github.com/dhashchain/go-dhash/wire"
)

func main() {
	addr := dhash.DefaultControlListen
	switch len(os.Args) {
	case 1:
	case 2:
		addr = os.Args[1]
	default:
		fmt.Fprintf(os.Stderr, "usage: %s [control address]\n", os.Args[0])
		os.Exit(1)
	}

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		fatalf("connecting to %s: %v", addr, err)
	}
	defer conn.Close()

	if err := wire.WriteControlFrame(conn, wire.ControlFrame{Code: dhash.ControlDumpFingers}); err != nil {
		fatalf("sending request: %v", err)
	}
	frame, err := wire.ReadControlFrame(conn)
	if err != nil {
		fatalf("reading reply: %v", err)
	}
	if frame.Code != dhash.ControlDumpFingers {
		fatalf("unexpected reply code %d", frame.Code)
	}
	render(string(frame.Name))
}

func render(dump string) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Ring", "Role", "ID", "Address", "Port"})
	table.SetBorder(false)
	bold := color.New(color.Bold).SprintFunc()
	for _, line := range strings.Split(dump, "\n") {
		if line == "" {
			continue
		}
		cols := strings.SplitN(line, "|", 5)
		if len(cols) != 5 {
			continue
		}
		if len(cols[2]) > 16 {
			cols[2] = cols[2][:16] + ".."
		}
		if cols[1] == "self" {
			cols[1] = bold(cols[1])
		}
		table.Append(cols)
	}
	table.Render()
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "getfingers: "+format+"\n", args...)
	os.Exit(1)
}
