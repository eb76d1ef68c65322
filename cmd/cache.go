package cmd

import (
	"context"
	"fmt"

	"github.com/assetscope/assetscope/internal/utils"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect or drop the cached asset tree",
}

var cacheInfoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show when the cached tree was built and whether it is still fresh",
	RunE: func(cmd *cobra.Command, args []string) error {
		org, err := orgID(cmd)
		if err != nil {
			return err
		}
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		entry, ok := a.cache.Get(context.Background(), org)
		if !ok {
			fmt.Printf("No cached tree for org %d.\n", org)
			return nil
		}
		state := "fresh"
		if !a.cache.Valid(org, entry, false) {
			state = "stale"
		}
		fmt.Printf("Org:       %d\n", org)
		fmt.Printf("Built:     %s (%s)\n", entry.BuiltAt.Local().Format("2006-01-02 15:04:05"), humanize.Time(entry.BuiltAt))
		fmt.Printf("Records:   %s\n", humanize.Comma(int64(entry.RecordCount)))
		fmt.Printf("Locations: %s\n", humanize.Comma(int64(len(entry.Tree.Roots))))
		fmt.Printf("TTL:       %s, currently %s\n", a.cache.TTL(), state)
		return nil
	},
}

var cacheInvalidateCmd = &cobra.Command{
	Use:   "invalidate",
	Short: "Drop the cached tree so the next load rebuilds it",
	RunE: func(cmd *cobra.Command, args []string) error {
		org, err := orgID(cmd)
		if err != nil {
			return err
		}
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		return a.withWriteLock(func() error {
			if err := a.svc.Invalidate(context.Background(), org); err != nil {
				return err
			}
			utils.Log.Infof("Cache for org %d invalidated", org)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(cacheCmd)
	cacheCmd.AddCommand(cacheInfoCmd, cacheInvalidateCmd)
	addOrgFlag(cacheInfoCmd)
	addOrgFlag(cacheInvalidateCmd)
}
