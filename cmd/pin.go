package cmd

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var pinCmd = &cobra.Command{
	Use:   "pin <locationId>",
	Short: "Pin or unpin a location so it is listed first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid location id %q", args[0])
		}
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		pinned, err := a.svc.TogglePinLocation(context.Background(), id)
		if err != nil {
			return err
		}
		if pinned {
			fmt.Printf("Pinned %d\n", id)
		} else {
			fmt.Printf("Unpinned %d\n", id)
		}
		return nil
	},
}

var pinsCmd = &cobra.Command{
	Use:   "pins",
	Short: "List pinned locations",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := context.Background()
		ids, err := a.svc.PinnedLocations(ctx)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			fmt.Println("No pinned locations.")
			return nil
		}

		// Names come from the cached tree when there is one.
		org, _ := cmd.Flags().GetInt64("org")
		if org == 0 {
			org = viper.GetInt64("org.id")
		}
		entry, haveTree := a.svc.Current(ctx, org)
		for _, id := range ids {
			if haveTree {
				if n, ok := entry.Tree.Root(id); ok {
					fmt.Printf("%d\t%s\n", id, locationLine(n))
					continue
				}
			}
			fmt.Printf("%d\n", id)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(pinCmd, pinsCmd)
	addOrgFlag(pinsCmd)
}
