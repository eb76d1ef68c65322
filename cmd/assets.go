package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"text/tabwriter"

	"github.com/assetscope/assetscope/internal/utils"
	"github.com/assetscope/assetscope/pkg/assets"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// assetsCmd represents the assets command
var assetsCmd = &cobra.Command{
	Use:   "assets",
	Short: "Load, browse, search and export corporation assets",
}

var loadCmd = &cobra.Command{
	Use:   "load",
	Short: "Fetch and build the asset tree, or reuse the cached one while it is fresh",
	RunE: func(cmd *cobra.Command, args []string) error {
		org, err := orgID(cmd)
		if err != nil {
			return err
		}
		character, _ := cmd.Flags().GetInt64("character")
		if character == 0 {
			character = viper.GetInt64("org.character_id")
		}
		if character == 0 {
			return errors.New("no character given: pass --character or set org.character_id in ~/.assetscope.yaml")
		}
		force, _ := cmd.Flags().GetBool("force")
		quiet, _ := cmd.Flags().GetBool("quiet")

		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		return a.withWriteLock(func() error {
			run := a.svc.Start(ctx, assets.LoadRequest{OrgID: org, CharacterID: character, ForceRefresh: force})
			utils.Log.Debugf("started run %s", run.ID)
			for p := range run.Progress() {
				if !quiet {
					fmt.Fprintf(os.Stderr, "[%s] %s\n", run.ID[:8], p)
				}
			}
			res, err := run.Wait()
			if res != nil {
				printLoadSummary(res)
			}
			if err != nil {
				if res == nil {
					utils.Log.Error("Nothing cached to fall back on. Check your token and retry with 'assetscope assets load'.")
				}
				return err
			}
			return nil
		})
	},
}

func printLoadSummary(res *assets.Result) {
	source := "rebuilt"
	switch {
	case res.Stale:
		source = "stale cache (refresh failed)"
	case res.FromCache:
		source = "cache"
	}
	fmt.Printf("Locations: %s\n", humanize.Comma(int64(len(res.Tree.Roots))))
	fmt.Printf("Records:   %s\n", humanize.Comma(int64(res.Tree.RecordCount)))
	fmt.Printf("Built:     %s (%s)\n", humanize.Time(res.BuiltAt), source)
	if len(res.Problems) > 0 {
		fmt.Printf("Warnings:  %d (run with --loglevel debug for details)\n", len(res.Problems))
		for _, p := range res.Problems {
			utils.Log.Debugf("%v", p)
		}
	}
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List locations grouped by region, pinned locations first",
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

		groups, err := a.svc.Groups(context.Background(), org)
		if err != nil {
			return err
		}
		if len(groups) == 0 {
			fmt.Println("No assets cached for this organization. Run 'assetscope assets load' first.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		for _, g := range groups {
			fmt.Fprintf(w, "%s\t\t\t\n", g.Name)
			for _, loc := range g.Locations {
				fmt.Fprintf(w, "  %s\t%s\t%s items\t%d\n", locationLine(loc), formatSecurity(loc), humanize.Comma(int64(countItems(loc))), loc.LocationID)
			}
		}
		return w.Flush()
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search item names across every location",
	Args:  cobra.ExactArgs(1),
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

		ctx := context.Background()
		if _, ok := a.svc.Current(ctx, org); !ok {
			fmt.Println("No assets cached for this organization. Run 'assetscope assets load' first.")
			return nil
		}
		results := a.svc.SearchAssets(ctx, org, args[0])
		if len(results) == 0 {
			fmt.Printf("No items match %q.\n", args[0])
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "ITEM\tQUANTITY\tLOCATION\t")
		for _, r := range results {
			fmt.Fprintf(w, "%s\t%s\t%s\t\n", r.Item.Name, quantity(r.TotalQuantity), r.Path)
		}
		return w.Flush()
	},
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write the cached asset tree to a JSON file",
	RunE: func(cmd *cobra.Command, args []string) error {
		org, err := orgID(cmd)
		if err != nil {
			return err
		}
		out, _ := cmd.Flags().GetString("out")
		if out == "" {
			return errors.New("--out is required")
		}
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		entry, ok := a.svc.Current(context.Background(), org)
		if !ok {
			return fmt.Errorf("no assets cached for org %d", org)
		}
		data, err := json.MarshalIndent(struct {
			OrgID   int64        `json:"org_id"`
			BuiltAt string       `json:"built_at"`
			Tree    *assets.Tree `json:"tree"`
		}{org, entry.BuiltAt.UTC().Format("2006-01-02T15:04:05Z"), entry.Tree}, "", "  ")
		if err != nil {
			return err
		}
		if err := utils.WriteFileAtomic(out, data, 0o644); err != nil {
			return err
		}
		utils.Log.Infof("Wrote %s (%s)", out, humanize.Bytes(uint64(len(data))))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(assetsCmd)
	assetsCmd.AddCommand(loadCmd, listCmd, searchCmd, exportCmd)

	for _, c := range []*cobra.Command{loadCmd, listCmd, searchCmd, exportCmd} {
		addOrgFlag(c)
	}
	loadCmd.Flags().Int64("character", 0, "Character whose token is used (default is org.character_id from the config file)")
	loadCmd.Flags().BoolP("force", "f", false, "Rebuild even if the cached tree is still fresh")
	loadCmd.Flags().BoolP("quiet", "q", false, "Do not print progress")
	exportCmd.Flags().StringP("out", "o", "", "Output file")
}
