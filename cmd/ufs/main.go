// Command ufs formats, checks and edits file system images offline.
package main

import (
	"context"
	"flag"
	"log"
	"os"

	"github.com/google/subcommands"

	"github.com/mit-pdos/go-ufs/util"
)

var debug = flag.Uint64("debug", 0, "debug print level (overrides UFS_DEBUG)")

func main() {
	conf, err := util.LoadConfig()
	if err != nil {
		log.Fatalf("reading environment: %v", err)
	}

	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")

	subcommands.Register(&formatCmd{conf: conf}, "image")
	subcommands.Register(new(mountCmd), "image")
	subcommands.Register(new(checkCmd), "image")

	subcommands.Register(new(lsCmd), "files")
	subcommands.Register(new(statCmd), "files")
	subcommands.Register(new(getCmd), "files")
	subcommands.Register(new(putCmd), "files")
	subcommands.Register(new(mkdirCmd), "files")
	subcommands.Register(new(rmCmd), "files")
	subcommands.Register(new(mvCmd), "files")

	flag.Parse()
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "debug" {
			util.SetDebug(*debug)
		}
	})
	os.Exit(int(subcommands.Execute(context.Background())))
}
