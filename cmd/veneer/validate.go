package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/veneer/pkg/parallel"
	"github.com/samcharles93/veneer/pkg/peft"
)

func validateCmd() *cli.Command {
	var configPath string
	return &cli.Command{
		Name:  "validate",
		Usage: "Validate a PEFT configuration file",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Usage:       "PEFT configuration YAML",
				Required:    true,
				Destination: &configPath,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := peft.LoadConfig(configPath)
			if err != nil {
				return err
			}
			lora, err := peft.NewLoRA(cfg, parallel.Single, nil)
			if err != nil {
				return err
			}
			if err := lora.CheckTargets(); err != nil {
				return err
			}
			for _, name := range cfg.TargetModules {
				mode, _ := lora.Classify(name)
				fmt.Printf("%-16s %s\n", name, mode)
			}
			fmt.Printf("ok: rank %d, alpha %v, dropout %v (%s)\n",
				cfg.Dim, cfg.Alpha, cfg.Dropout, cfg.DropoutPosition)
			return nil
		},
	}
}
