package main

import (
	"flag"
	"log"

	"github.com/danmuck/meshctl/internal/config"
)

func main() {
	kind := flag.String("kind", "roster", "config kind: roster|participant")
	output := flag.String("output", "", "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", "", "config path for validation (defaults to per-kind cmd path)")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	if *validate {
		path := *input
		if path == "" {
			switch *kind {
			case "roster":
				path = "cmd/rosterctl/config.toml"
			case "participant":
				path = "cmd/meshctl/config.toml"
			default:
				log.Fatalf("unknown kind: %s", *kind)
			}
		}

		switch *kind {
		case "roster":
			if _, err := config.LoadRosterConfig(path); err != nil {
				log.Fatal(err)
			}
		case "participant":
			if _, err := config.LoadParticipantConfig(path); err != nil {
				log.Fatal(err)
			}
		default:
			log.Fatalf("unknown kind: %s", *kind)
		}
		log.Printf("Validated %s config at %s", *kind, path)
		return
	}

	target := *output
	if target == "" {
		switch *kind {
		case "roster":
			target = "cmd/rosterctl/config.toml"
		case "participant":
			target = "cmd/meshctl/config.toml"
		default:
			log.Fatalf("unknown kind: %s", *kind)
		}
	}

	if err := config.WriteTemplate(target, *kind, *force); err != nil {
		log.Fatal(err)
	}
	log.Printf("Wrote %s config template to %s", *kind, target)
}
