package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/samcharles93/veneer/pkg/nn"
	"github.com/samcharles93/veneer/pkg/parallel"
	"github.com/samcharles93/veneer/pkg/peft"
)

// layoutFile describes the dense layers of a model shard: one entry per
// named layer with its local feature counts.
type layoutFile struct {
	Layers []layerSpec `yaml:"layers"`
}

type layerSpec struct {
	Name string `yaml:"name"`
	In   int    `yaml:"in"`
	Out  int    `yaml:"out"`
}

// planModel is a scaffold module tree built from a layout file; it only
// exists to run the wrapping pass against, never to compute.
type planModel struct {
	nn.Container
}

func (*planModel) Forward([]float32) (nn.Activation, error) {
	return nn.Activation{}, fmt.Errorf("plan scaffold does not run forward passes")
}

func planCmd() *cli.Command {
	var (
		configPath string
		layoutPath string
		tpSize     int64
	)
	return &cli.Command{
		Name:  "plan",
		Usage: "Dry-run the adapter wrapping pass against a model layout",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Usage:       "PEFT configuration YAML",
				Required:    true,
				Destination: &configPath,
			},
			&cli.StringFlag{
				Name:        "layout",
				Usage:       "model layout YAML (named layers with local dims)",
				Required:    true,
				Destination: &layoutPath,
			},
			&cli.IntFlag{
				Name:        "tp",
				Usage:       "tensor-parallel world size",
				Value:       1,
				Destination: &tpSize,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := newLogger()

			cfg, err := peft.LoadConfig(configPath)
			if err != nil {
				return err
			}
			layout, err := loadLayout(layoutPath)
			if err != nil {
				return err
			}

			topo, err := parallel.NewFixed(int(tpSize), 0)
			if err != nil {
				return err
			}
			lora, err := peft.NewLoRA(cfg, topo, log)
			if err != nil {
				return err
			}
			if err := lora.CheckTargets(); err != nil {
				return err
			}

			model := &planModel{}
			for _, l := range layout.Layers {
				mode, _ := lora.Classify(l.Name)
				model.RegisterChild(l.Name, nn.NewLinear(l.In, l.Out, nn.LinearOpts{
					Mode:       mode,
					Partitions: int(tpSize),
				}))
			}
			if err := peft.Apply(model, lora, log); err != nil {
				return err
			}

			fmt.Printf("%-16s %-8s %-14s %-14s %s\n", "LAYER", "CLASS", "LOCAL", "ADAPTER", "TRAINABLE")
			for _, ch := range model.NamedChildren() {
				w, ok := ch.Module.(*peft.AdapterWrapper)
				if !ok {
					sizer := ch.Module.(nn.FeatureSizer)
					fmt.Printf("%-16s %-8s %dx%d\n", ch.Name, "-", sizer.InFeatures(), sizer.OutFeatures())
					continue
				}
				base := w.Base().(nn.FeatureSizer)
				adapter := w.Adapter().(*nn.LowRankAdapter)
				mode, _ := lora.Classify(ch.Name)
				fmt.Printf("%-16s %-8s %-14s %-14s %d\n",
					ch.Name,
					mode.String(),
					fmt.Sprintf("%dx%d", base.InFeatures(), base.OutFeatures()),
					fmt.Sprintf("%d>%d>%d", adapter.InFeatures(), adapter.Rank(), adapter.OutFeatures()),
					nn.TrainableParameters(w),
				)
			}
			fmt.Printf("\ntrainable parameters: %d\n", nn.TrainableParameters(model))
			return nil
		},
	}
}

func loadLayout(path string) (layoutFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return layoutFile{}, err
	}
	var layout layoutFile
	if err := yaml.Unmarshal(data, &layout); err != nil {
		return layoutFile{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(layout.Layers) == 0 {
		return layoutFile{}, fmt.Errorf("%s: no layers", path)
	}
	for _, l := range layout.Layers {
		if l.Name == "" || l.In <= 0 || l.Out <= 0 {
			return layoutFile{}, fmt.Errorf("%s: layer %q needs a name and positive dims", path, l.Name)
		}
	}
	return layout, nil
}
