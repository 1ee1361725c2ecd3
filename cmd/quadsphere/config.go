package main

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"quadsphere/internal/config"
	"quadsphere/internal/modifier"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect sphere configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "default",
		Short: "Print the default configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out, err := config.Default().Marshal()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "validate <path>",
		Short: "Validate a configuration file and its modifier stages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(args[0])
			if err != nil {
				return err
			}
			reg := modifier.NewRegistry()
			stages, err := reg.Build(cfg)
			if err != nil {
				return errors.Wrapf(err, "known modifiers are %v", reg.Names())
			}
			for i, stage := range stages {
				fmt.Fprintf(cmd.OutOrStdout(), "stage %d:", i)
				for _, m := range stage {
					fmt.Fprintf(cmd.OutOrStdout(), " %s(%s)", m.Name(), m.Mode())
				}
				fmt.Fprintln(cmd.OutOrStdout())
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	})
	return cmd
}

// loadConfig reads path, or returns the defaults when path is empty.
func loadConfig(path string) (config.Sphere, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.LoadFile(path)
}
