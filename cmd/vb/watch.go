package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/untoldecay/vbranch/internal/watch"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run sync continuously, re-running whenever HEAD or refs/heads change",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		o, err := buildOrchestrator(ctx)
		if err != nil {
			return err
		}
		idx, err := openStatusIndex(ctx, o)
		if err != nil {
			return err
		}
		if idx != nil {
			defer func() { _ = idx.Close() }()
		}

		done := consumeEvents(ctx, o, idx)

		w, err := watch.New(o, o.GitDir, o.Logger)
		if err != nil {
			o.Bus.Close()
			<-done
			return fmt.Errorf("starting watcher: %w", err)
		}

		fmt.Println("watching for changes, press Ctrl-C to stop")
		runErr := w.Run(ctx)
		w.Wait()
		o.Bus.Close()
		<-done
		if runErr != nil && runErr != context.Canceled {
			return runErr
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
}
