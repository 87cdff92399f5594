package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/veneer/pkg/checkpoint"
	"github.com/samcharles93/veneer/pkg/statedict"
)

func inspectCmd() *cli.Command {
	var (
		path     string
		showMeta bool
	)
	return &cli.Command{
		Name:  "inspect",
		Usage: "List the tensors of a checkpoint, separating base and adapter state",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "file",
				Aliases:     []string{"f"},
				Usage:       "checkpoint file",
				Required:    true,
				Destination: &path,
			},
			&cli.BoolFlag{
				Name:        "metadata",
				Usage:       "print header metadata",
				Destination: &showMeta,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			f, err := checkpoint.Open(path)
			if err != nil {
				return err
			}
			defer func() { _ = f.Close() }()

			if showMeta {
				for k, v := range f.Metadata {
					fmt.Printf("# %s = %s\n", k, v)
				}
			}

			var baseCount, adapterCount int
			var baseElems, adapterElems int64
			fmt.Printf("%-52s %-6s %-12s %s\n", "TENSOR", "DTYPE", "SHAPE", "KIND")
			for _, info := range f.Tensors() {
				kind := "base"
				if isAdapterKey(info.Name) {
					kind = "adapter"
					adapterCount++
					adapterElems += int64(info.Shape[0]) * int64(info.Shape[1])
				} else {
					baseCount++
					baseElems += int64(info.Shape[0]) * int64(info.Shape[1])
				}
				fmt.Printf("%-52s %-6s %-12s %s\n",
					info.Name, info.DType, fmt.Sprintf("%dx%d", info.Shape[0], info.Shape[1]), kind)
			}
			fmt.Printf("\nbase: %d tensors, %d elements\n", baseCount, baseElems)
			fmt.Printf("adapter: %d tensors, %d elements\n", adapterCount, adapterElems)
			return nil
		},
	}
}

// isAdapterKey reports whether a flattened key traverses the reserved
// adapter namespace.
func isAdapterKey(key string) bool {
	for _, seg := range strings.Split(key, ".") {
		if seg == statedict.AdapterKey {
			return true
		}
	}
	return false
}
