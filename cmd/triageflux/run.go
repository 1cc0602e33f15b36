package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/sgerhart/triageflux/internal/model"
)

func newRunCmd() *cobra.Command {
	var source, eventType, itemID, content string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Process a single event through the pipeline",
		Long: `Process a single event through classify, investigate and decide.
Content comes from --content, or from stdin when the flag is omitted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if content == "" {
				data, err := io.ReadAll(os.Stdin)
				if err != nil {
					return fmt.Errorf("read event content from stdin: %w", err)
				}
				content = string(data)
			}
			if content == "" {
				return fmt.Errorf("event content is required")
			}

			app, err := buildApp()
			if err != nil {
				return err
			}
			defer app.close()

			result, err := app.pipeline.Process(context.Background(), model.Event{
				Source:    source,
				EventType: eventType,
				ItemID:    itemID,
				Content:   content,
				Timestamp: time.Now().UTC(),
			})
			if err != nil {
				return err
			}
			return printJSON(result)
		},
	}

	cmd.Flags().StringVar(&source, "source", "manual", "event source name")
	cmd.Flags().StringVar(&eventType, "type", "event", "event type")
	cmd.Flags().StringVar(&itemID, "id", "", "item identifier (required)")
	cmd.Flags().StringVar(&content, "content", "", "event content (defaults to stdin)")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func printJSON(v interface{}) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
