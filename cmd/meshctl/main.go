package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/danmuck/meshctl/internal/participant"
)

func main() {
	configPath := flag.String("config", "", "participant config file (toml); defaults apply when empty")
	flag.Parse()

	svc := participant.NewService()
	if *configPath != "" {
		cfg, err := loadServiceConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "meshctl: %v\n", err)
			os.Exit(1)
		}
		svc = participant.NewServiceWithConfig(cfg)
	}

	if err := svc.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "meshctl: %v\n", err)
		os.Exit(1)
	}
}
