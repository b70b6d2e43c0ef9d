package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zulandar/myelo/internal/vectorstore"
)

func newIndexCmd() *cobra.Command {
	var (
		configPath string
		file       string
	)

	cmd := &cobra.Command{
		Use:   "index",
		Short: "Load table descriptions into the vector store",
		Long:  "Embeds every table description from a YAML file into the vector store used by the document_search tool. The collection is rebuilt from the file.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if file == "" {
				file = cfg.VectorStore.Descriptions
			}
			if file == "" {
				return fmt.Errorf("no descriptions file: set vectorstore.descriptions or pass --file")
			}
			descs, err := vectorstore.LoadDescriptions(file)
			if err != nil {
				return err
			}

			vs, err := openVectors(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			if err := vs.Index(cmd.Context(), descs); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Indexed %d table descriptions into %q (%d total)\n",
				len(descs), cfg.VectorStore.Collection, vs.Count())
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "myelo.yaml", "path to myelo config file")
	cmd.Flags().StringVarP(&file, "file", "f", "", "descriptions YAML (overrides vectorstore.descriptions)")
	return cmd
}
