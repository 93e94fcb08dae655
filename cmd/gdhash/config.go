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

package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"reflect"
	"unicode"

	"github.com/naoina/toml"
	"gopkg.in/urfave/cli.v1"

	"github.com/dhashchain/go-dhash/chord"
	"github.com/dhashchain/go-dhash/dhash"
)

// These settings ensure that TOML keys use the same names as Go struct fields.
var tomlSettings = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string {
		return key
	},
	FieldToKey: func(rt reflect.Type, field string) string {
		return field
	},
	MissingField: func(rt reflect.Type, field string) error {
		var link string
		if unicode.IsUpper(rune(rt.Name()[0])) && rt.PkgPath() != "main" {
			link = fmt.Sprintf(", see https://godoc.org/%s#%s for available fields", rt.PkgPath(), rt.Name())
		}
		return fmt.Errorf("field '%s' is not defined in %s%s", field, rt.String(), link)
	},
}

type gdhashConfig struct {
	Node dhash.Config
}

func loadConfig(file string, cfg *gdhashConfig) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()

	err = tomlSettings.NewDecoder(bufio.NewReader(f)).Decode(cfg)
	// Add file name to errors that have a line number.
	if _, ok := err.(*toml.LineError); ok {
		err = errors.New(file + ", " + err.Error())
	}
	return err
}

func defaultConfig() gdhashConfig {
	return gdhashConfig{
		Node: dhash.Config{
			FilesPath:     "files",
			ControlListen: dhash.DefaultControlListen,
		},
	}
}

// makeConfig loads the configuration file, then lets command line flags
// override it.
func makeConfig(ctx *cli.Context) gdhashConfig {
	cfg := defaultConfig()
	if file := ctx.GlobalString(configFileFlag.Name); file != "" {
		if err := loadConfig(file, &cfg); err != nil {
			Fatalf("%v", err)
		}
	}
	if ctx.GlobalIsSet(filesPathFlag.Name) {
		cfg.Node.FilesPath = ctx.GlobalString(filesPathFlag.Name)
	}
	if ctx.GlobalIsSet(controlFlag.Name) {
		cfg.Node.ControlListen = ctx.GlobalString(controlFlag.Name)
	}
	if ctx.GlobalIsSet(watchFlag.Name) {
		cfg.Node.WatchFiles = ctx.GlobalBool(watchFlag.Name)
	}
	if ctx.GlobalIsSet(listenFlag.Name) || len(cfg.Node.Rings) == 0 {
		ring := chord.Config{Listen: ctx.GlobalString(listenFlag.Name)}
		if len(cfg.Node.Rings) > 0 {
			ring = cfg.Node.Rings[0]
			ring.Listen = ctx.GlobalString(listenFlag.Name)
		}
		if len(cfg.Node.Rings) == 0 {
			cfg.Node.Rings = []chord.Config{ring}
		} else {
			cfg.Node.Rings[0] = ring
		}
	}
	if ctx.GlobalIsSet(bootstrapFlag.Name) {
		cfg.Node.Rings[0].Bootstrap = splitAndTrim(ctx.GlobalString(bootstrapFlag.Name))
	}
	if ctx.GlobalIsSet(advertiseFlag.Name) {
		cfg.Node.Rings[0].Advertise = ctx.GlobalString(advertiseFlag.Name)
	}
	return cfg
}

func dumpConfig(ctx *cli.Context) error {
	cfg := makeConfig(ctx)
	out, err := tomlSettings.Marshal(&cfg)
	if err != nil {
		return err
	}
	os.Stdout.Write(out)
	return nil
}
