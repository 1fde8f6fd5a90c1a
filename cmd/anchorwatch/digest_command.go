package main

import (
	"fmt"
	"os"

	"github.com/aleister1102/anchorwatch/internal/digest"
	"github.com/spf13/cobra"
)

func newDigestCommand() *cobra.Command {
	var chunkSize int
	cmd := &cobra.Command{
		Use:   "digest PATH...",
		Short: "Print SHA-256 digests; directories get an aggregate digest",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			computer := digest.NewComputer(chunkSize)
			for _, path := range args {
				info, err := os.Stat(path)
				if err != nil {
					return fmt.Errorf("stat %s: %w", path, err)
				}
				var sum string
				if info.IsDir() {
					sum, err = computer.Directory(path)
				} else {
					sum, err = computer.File(path)
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %s\n", sum, path)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&chunkSize, "chunk-size", digest.DefaultChunkSize, "Read buffer size in bytes")
	return cmd
}
