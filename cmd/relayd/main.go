// Command relayd runs a standalone relaycore server.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/relaycore/relaycore/internal/relayd"
)

func main() {
	log.SetFlags(0)

	configFile, err := getArgs()
	if err != nil {
		log.Fatal(err)
	}

	cfg, err := relayd.LoadConfig(configFile)
	if err != nil {
		log.Fatal(err)
	}

	server := relayd.New(cfg)

	if err := server.Run(); err != nil {
		log.Fatal(err)
	}

	log.Printf("Server shutdown cleanly.")
}

func getArgs() (string, error) {
	configFile := flag.String("conf", "", "Configuration file.")
	flag.Parse()

	if len(*configFile) == 0 {
		flag.PrintDefaults()
		return "", fmt.Errorf("you must provide a configuration file")
	}

	path, err := filepath.Abs(*configFile)
	if err != nil {
		return "", fmt.Errorf("unable to determine path to configuration file: %s", err)
	}

	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("configuration file: %s", err)
	}

	return path, nil
}
