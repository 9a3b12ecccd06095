package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kilnhq/kiln/pkg/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check configuration and language registry, then exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, registry, err := loadConfig()
		if err != nil {
			return err
		}

		warnings, err := config.Validate(cfg, registry)
		for _, w := range warnings {
			fmt.Printf("warning: %s\n", w)
		}
		if err != nil {
			return err
		}

		fmt.Printf("Configuration OK\n")
		fmt.Printf("  Languages: %s\n", strings.Join(registry.Languages(), ", "))
		fmt.Printf("  Pooled:    %d\n", len(registry.Pooled()))
		fmt.Printf("  KV:        %s (%s)\n", strings.Join(cfg.KV.Addrs, ","), cfg.KV.Mode)
		fmt.Printf("  Objects:   %s/%s\n", cfg.ObjectStore.Endpoint, cfg.ObjectStore.Bucket)
		fmt.Printf("  Namespace: %s\n", cfg.Cluster.Namespace)
		return nil
	},
}

// loadConfig resolves --config or the default search path, then the language
// registry it references.
func loadConfig() (*config.Config, *config.Registry, error) {
	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, nil, err
	}

	registry := config.DefaultRegistry()
	if cfg.LanguagesFile != "" {
		registry, err = config.LoadRegistry(cfg.LanguagesFile)
		if err != nil {
			return nil, nil, err
		}
	}
	return cfg, registry, nil
}
