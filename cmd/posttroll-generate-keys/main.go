// Command posttroll-generate-keys writes a key pair for the secure
// transport backend (spec.md §4.I, §6).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/arc-self/posttroll/keys"
)

func main() {
	var dir string

	root := &cobra.Command{
		Use:   "posttroll-generate-keys NAME",
		Short: "Generate a PostTroll secure-transport key pair",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			certPath, seed, err := keys.Generate(name, dir)
			if err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", certPath)
			fmt.Printf("wrote %s\n", certPath+"_secret")
			fmt.Printf("identity seed: %s\n", seed)
			return nil
		},
	}
	root.Flags().StringVarP(&dir, "directory", "d", ".", "output directory")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
