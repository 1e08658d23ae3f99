package main

import (
	"encoding/json"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sonmap/geoimport/internal/crs"
)

var crsListFlags struct {
	geographic bool
	projected  bool
}

var crsCmd = &cobra.Command{
	Use:   "crs",
	Short: "Inspect the coordinate system registry",
}

var crsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered coordinate systems",
	RunE: func(cmd *cobra.Command, _ []string) error {
		registry, err := buildRegistry()
		if err != nil {
			return err
		}

		var systems []*crs.CoordinateSystem
		switch {
		case crsListFlags.geographic && crsListFlags.projected:
			return eris.New("--geographic and --projected are mutually exclusive")
		case crsListFlags.geographic:
			systems = registry.Geographic()
		case crsListFlags.projected:
			systems = registry.Projected()
		default:
			systems = registry.All()
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(systems)
	},
}

var crsLoadCmd = &cobra.Command{
	Use:   "load <yaml>",
	Short: "Validate a coordinate system definition file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		registry, err := buildRegistry()
		if err != nil {
			return err
		}
		n, err := registry.LoadFile(args[0])
		if err != nil {
			return eris.Wrapf(err, "load %s", args[0])
		}
		zap.L().Info("definitions loaded",
			zap.String("file", args[0]),
			zap.Int("count", n),
		)
		return nil
	},
}

func init() {
	crsListCmd.Flags().BoolVar(&crsListFlags.geographic, "geographic", false, "only geographic systems")
	crsListCmd.Flags().BoolVar(&crsListFlags.projected, "projected", false, "only projected systems")
	crsCmd.AddCommand(crsListCmd)
	crsCmd.AddCommand(crsLoadCmd)
	rootCmd.AddCommand(crsCmd)
}
