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

// gdhash is the dhash node daemon: it joins one or more rings, stores and
// serves files, and answers local client requests on the control channel.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	colorable "github.com/mattn/go-colorable"
	isatty "github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
	"gopkg.in/urfave/cli.v1"

	"github.com/dhashchain/go-dhash/dhash"
)

const clientIdentifier = "gdhash"

var (
	// Git SHA1 commit hash of the release, set via linker flags.
	gitCommit = ""

	configFileFlag = cli.StringFlag{
		Name:  "config",
		Usage: "TOML configuration file",
	}
	filesPathFlag = cli.StringFlag{
		Name:  "files",
		Usage: "Directory holding the stored files",
		Value: "files",
	}
	listenFlag = cli.StringFlag{
		Name:  "listen",
		Usage: "Overlay UDP listen address (bulk transfers use port+1)",
		Value: ":4242",
	}
	controlFlag = cli.StringFlag{
		Name:  "control",
		Usage: "Local client control TCP address",
		Value: dhash.DefaultControlListen,
	}
	bootstrapFlag = cli.StringFlag{
		Name:  "bootstrap",
		Usage: "Comma separated bootstrap peers (host:port); empty starts a new ring",
	}
	advertiseFlag = cli.StringFlag{
		Name:  "advertise",
		Usage: "Externally visible address; discovered from bootstrap peers when empty",
	}
	watchFlag = cli.BoolFlag{
		Name:  "watch",
		Usage: "Index files dropped into the files directory out of band",
	}
	verbosityFlag = cli.IntFlag{
		Name:  "verbosity",
		Usage: "Logging verbosity: 0=error, 1=warn, 2=info, 3=debug, 4=trace",
		Value: 2,
	}

	dumpConfigCommand = cli.Command{
		Action:      dumpConfig,
		Name:        "dumpconfig",
		Usage:       "Show configuration values",
		ArgsUsage:   "",
		Category:    "MISCELLANEOUS COMMANDS",
		Description: `The dumpconfig command shows configuration values.`,
	}
)

var app = cli.NewApp()

func init() {
	app.Name = clientIdentifier
	app.Version = "1.0.0"
	if gitCommit != "" {
		app.Version += "-" + gitCommit[:8]
	}
	app.Usage = "the dhash distributed file store daemon"
	app.Action = gdhash
	app.Commands = []cli.Command{dumpConfigCommand}
	app.Flags = []cli.Flag{
		configFileFlag,
		filesPathFlag,
		listenFlag,
		controlFlag,
		bootstrapFlag,
		advertiseFlag,
		watchFlag,
		verbosityFlag,
	}
	sort.Sort(cli.CommandsByName(app.Commands))
	app.Before = func(ctx *cli.Context) error {
		setupLogging(ctx.GlobalInt(verbosityFlag.Name))
		return nil
	}
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// gdhash builds the node from configuration and runs it until the process
// is interrupted.
func gdhash(ctx *cli.Context) error {
	cfg := makeConfig(ctx)
	node, err := dhash.NewNode(cfg.Node)
	if err != nil {
		Fatalf("Failed to start node: %v", err)
	}
	logrus.WithFields(logrus.Fields{
		"files":   cfg.Node.FilesPath,
		"control": node.ControlAddr().String(),
		"rings":   len(cfg.Node.Rings),
	}).Info("Starting gdhash")

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return node.Run(runCtx)
}

func setupLogging(verbosity int) {
	levels := []logrus.Level{
		logrus.ErrorLevel, logrus.WarnLevel, logrus.InfoLevel,
		logrus.DebugLevel, logrus.TraceLevel,
	}
	if verbosity < 0 {
		verbosity = 0
	}
	if verbosity >= len(levels) {
		verbosity = len(levels) - 1
	}
	logrus.SetLevel(levels[verbosity])

	usecolor := isatty.IsTerminal(os.Stderr.Fd()) && os.Getenv("TERM") != "dumb"
	logrus.SetFormatter(&logrus.TextFormatter{
		ForceColors:     usecolor,
		FullTimestamp:   true,
		TimestampFormat: "01-02|15:04:05.000",
	})
	if usecolor {
		logrus.SetOutput(colorable.NewColorableStderr())
	} else {
		logrus.SetOutput(os.Stderr)
	}
}

// Fatalf formats a message to standard error and exits the program.
func Fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Fatal: "+format+"\n", args...)
	os.Exit(1)
}

func splitAndTrim(input string) (ret []string) {
	for _, s := range strings.Split(input, ",") {
		if s = strings.TrimSpace(s); s != "" {
			ret = append(ret, s)
		}
	}
	return ret
}
