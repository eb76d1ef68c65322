package cmd

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"text/tabwriter"

	"github.com/assetscope/assetscope/internal/utils"
	"github.com/assetscope/assetscope/pkg/sde"
	"github.com/assetscope/assetscope/pkg/storage"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// dbCmd represents the db command
var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Interact with the assetscope databases",
}

// shellCmd represents the shell command
var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Start an interactive shell to the cache database",
	RunE: func(cmd *cobra.Command, args []string) error {
		dbPath, err := utils.GetAbsDBPath(viper.GetString("cache.path"))
		if err != nil {
			return err
		}
		if sdeShell, _ := cmd.Flags().GetBool("sde"); sdeShell {
			dbPath = viper.GetString("sde.path")
		}

		if _, err := os.Stat(dbPath); os.IsNotExist(err) {
			return fmt.Errorf("database file not found: %s", dbPath)
		}

		// Check if sqlite3 is in PATH
		sqlitePath, err := exec.LookPath("sqlite3")
		if err != nil {
			return fmt.Errorf("sqlite3 command not found in your PATH. Please install it to use the db shell")
		}

		// Print schema first
		fmt.Println("--> Database schema:")
		schemaCmd := exec.Command(sqlitePath, dbPath, ".schema")
		schemaCmd.Stdout = os.Stdout
		schemaCmd.Stderr = os.Stderr
		if err := schemaCmd.Run(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: couldn't retrieve schema: %v\n", err)
		}
		fmt.Println("\n--> Starting interactive shell... (Ctrl+D to exit)")

		c := exec.Command(sqlitePath, dbPath)
		c.Stdin = os.Stdin
		c.Stdout = os.Stdout
		c.Stderr = os.Stderr

		return c.Run()
	},
}

// statsCmd represents the stats command
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Prints statistics about the cached trees and pins in the database.",
	RunE: func(cmd *cobra.Command, args []string) error {
		dbPath, err := utils.GetAbsDBPath(viper.GetString("cache.path"))
		if err != nil {
			return err
		}
		if _, err := os.Stat(dbPath); os.IsNotExist(err) {
			return fmt.Errorf("database file not found: %s", dbPath)
		}

		db, err := storage.Open(dbPath)
		if err != nil {
			return err
		}
		defer db.Close()

		stats, err := db.GetStats(context.Background())
		if err != nil {
			return err
		}

		if len(stats.Orgs) == 0 {
			fmt.Println("No cached trees in the database.")
		} else {
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.AlignRight)
			fmt.Fprintln(w, "ORG\tRECORDS\tSIZE\tBUILT\t")

			var totalRecords int
			var totalSize int64
			for _, s := range stats.Orgs {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t\n", s.OrgID, humanize.Comma(int64(s.RecordCount)), humanize.Bytes(uint64(s.SizeBytes)), humanize.Time(s.BuiltAt))
				totalRecords += s.RecordCount
				totalSize += s.SizeBytes
			}

			fmt.Fprintln(w, " \t \t \t \t")
			fmt.Fprintf(w, "TOTAL\t%s\t%s\t\t\n", humanize.Comma(int64(totalRecords)), humanize.Bytes(uint64(totalSize)))
			w.Flush()
		}
		fmt.Printf("\nPinned locations: %d\n", stats.Pinned)
		return nil
	},
}

var importSDECmd = &cobra.Command{
	Use:   "import-sde <file.json>",
	Short: "Load static station, system and type data into the reference database",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		ds, err := sde.ParseDataset(data)
		if err != nil {
			return err
		}

		path := viper.GetString("sde.path")
		if err := ensureDir(path); err != nil {
			return err
		}
		ref, err := sde.Open(path)
		if err != nil {
			return err
		}
		defer ref.Close()

		if err := ref.Import(context.Background(), ds); err != nil {
			return err
		}
		utils.Log.Infof("Imported %d types, %d stations, %d systems and %d regions into %s",
			len(ds.Types), len(ds.Stations), len(ds.SolarSystems), len(ds.Regions), path)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(dbCmd)
	dbCmd.AddCommand(shellCmd, statsCmd, importSDECmd)
	shellCmd.Flags().Bool("sde", false, "Open the reference database instead of the cache")
}
