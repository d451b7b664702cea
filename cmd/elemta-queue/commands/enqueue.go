package commands

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

func newEnqueueCmd() *cobra.Command {
	var (
		sender string
		file   string
	)
	cmd := &cobra.Command{
		Use:   "enqueue [flags] recipient...",
		Short: "Queue a message for delivery",
		Long: `Queue a message for delivery to the given recipients. The message is read
from --file, or from standard input. Use --from "" for a null sender.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var r io.Reader = cmd.InOrStdin()
			if file != "" && file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return err
				}
				defer f.Close()
				r = f
			}
			content, err := io.ReadAll(r)
			if err != nil {
				return fmt.Errorf("failed to read message: %w", err)
			}
			if len(content) == 0 {
				return errors.New("message is empty")
			}

			c, err := newClient()
			if err != nil {
				return err
			}
			id, err := c.Enqueue(cmd.Context(), sender, args, content)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	cmd.Flags().StringVarP(&sender, "from", "f", "", "Envelope sender")
	cmd.Flags().StringVar(&file, "file", "", "Read the message from this file instead of standard input")
	return cmd
}
