package main

import (
	"fmt"
	"os"

	"github.com/colorfulnotion/pmem/checkpoint"
	"github.com/colorfulnotion/pmem/config"
	"github.com/spf13/cobra"
)

func newCheckpointCmd(configID *string) *cobra.Command {
	var dbPath string
	var checkpointCmd = &cobra.Command{
		Use:   "checkpoint",
		Short: "Save, dump and list guest RAM images",
	}
	checkpointCmd.PersistentFlags().StringVar(&dbPath, "db", "pmem-checkpoints", "Checkpoint database directory")

	var image string
	var saveCmd = &cobra.Command{
		Use:   "save NAME",
		Short: "Load a raw image at mbase and save it as checkpoint NAME",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.ReadConfig(*configID)
			if err != nil {
				return err
			}
			pages, err := saveImage(cfg, dbPath, args[0], image)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "saved %s: %d page(s)\n", args[0], pages)
			return nil
		},
	}
	saveCmd.Flags().StringVar(&image, "image", "", "Raw image file")
	_ = saveCmd.MarkFlagRequired("image")

	var out string
	var dumpCmd = &cobra.Command{
		Use:   "dump NAME",
		Short: "Restore checkpoint NAME and write guest RAM to a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.ReadConfig(*configID)
			if err != nil {
				return err
			}
			return dumpImage(cfg, dbPath, args[0], out)
		},
	}
	dumpCmd.Flags().StringVar(&out, "out", "", "Output file")
	_ = dumpCmd.MarkFlagRequired("out")

	var listCmd = &cobra.Command{
		Use:   "list",
		Short: "List saved checkpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := checkpoint.Open(dbPath)
			if err != nil {
				return err
			}
			defer db.Close()
			names, err := db.List()
			if err != nil {
				return err
			}
			for _, n := range names {
				fmt.Fprintln(cmd.OutOrStdout(), n)
			}
			return nil
		},
	}

	checkpointCmd.AddCommand(saveCmd, dumpCmd, listCmd)
	return checkpointCmd
}

func saveImage(cfg *config.Config, dbPath, name, image string) (int, error) {
	img, err := os.ReadFile(image)
	if err != nil {
		return 0, err
	}
	m, err := newMachine(cfg, os.Stdout, "")
	if err != nil {
		return 0, err
	}
	defer m.Close()
	if err := m.store.LoadImage(uint64(cfg.MBase), img); err != nil {
		return 0, err
	}
	db, err := checkpoint.Open(dbPath)
	if err != nil {
		return 0, err
	}
	defer db.Close()
	return db.Save(name, m.store)
}

func dumpImage(cfg *config.Config, dbPath, name, out string) error {
	m, err := newMachine(cfg, os.Stdout, "")
	if err != nil {
		return err
	}
	defer m.Close()
	db, err := checkpoint.Open(dbPath)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Restore(name, m.store); err != nil {
		return err
	}
	return os.WriteFile(out, m.store.Bytes(), 0o644)
}
