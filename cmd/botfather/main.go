package main

import (
	"flag"
	"fmt"

	"github.com/townshq/botfather/internal/version"
)

func main() {
	configPath := flag.String("config", "", "path to config.toml")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Version)
		return
	}

	runServe(*configPath)
}
