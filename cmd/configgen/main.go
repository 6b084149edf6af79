package main

import (
	"flag"
	"log"

	"github.com/danmuck/netron/internal/config"
)

func main() {
	kind := flag.String("kind", config.KindNode, "config kind: node|mesh")
	output := flag.String("output", "cmd/netronctl/config.toml", "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", "cmd/netronctl/config.toml", "config path for validation")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	if *validate {
		cfg, err := config.LoadNodeConfig(*input)
		if err != nil {
			log.Fatal(err)
		}
		log.Printf("Validated node config at %s (id=%q peers=%d)", *input, cfg.ID, len(cfg.Peers))
		return
	}

	if err := config.WriteTemplate(*output, *kind, *force); err != nil {
		log.Fatal(err)
	}
	log.Printf("Wrote %s config template to %s", *kind, *output)
}
