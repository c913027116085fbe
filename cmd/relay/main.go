package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/mbocsi/lorarelay/app"
	"github.com/mbocsi/lorarelay/config"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (defaults when empty)")
	writeDefault := flag.String("write-default", "", "write the default config to this path and exit")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("lorarelay", app.Version)
		return
	}

	if *writeDefault != "" {
		if err := config.Save(*writeDefault, config.Default()); err != nil {
			fmt.Fprintln(os.Stderr, "lorarelay:", err)
			os.Exit(1)
		}
		return
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "lorarelay:", err)
			os.Exit(1)
		}
	} else {
		config.ApplyEnv(&cfg)
	}
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintln(os.Stderr, "lorarelay:", err)
		os.Exit(1)
	}

	// fx stops the app on SIGINT and SIGTERM
	app.New(cfg).Run()
}
