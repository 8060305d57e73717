package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/andresmejia3/facegate/internal/utils"
	"github.com/spf13/cobra"
)

var (
	resetTables  bool
	resetSession string
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset system state (identities, track ID high-water marks)",
	Long:  "Drops all tables by default. Use --session to only restart track numbering for one source.",
	Run: func(cmd *cobra.Command, args []string) {
		// If no flags are set, default to clearing EVERYTHING
		if !resetTables && resetSession == "" {
			resetTables = true
		}

		reader := bufio.NewReader(os.Stdin)

		if resetSession != "" {
			if confirm(reader, fmt.Sprintf("⚠️  Restart track numbering for %q?", resetSession)) {
				fmt.Printf("🗑️  Clearing high-water mark for %s...\n", resetSession)
				if err := DB.ResetSession(cmd.Context(), resetSession); err != nil {
					utils.Die("Failed to reset session", err, nil)
				}
			}
		}

		if resetTables {
			if confirm(reader, "⚠️  Are you sure you want to DROP all database tables?") {
				fmt.Println("🗑️  Clearing Database...")
				if err := DB.Reset(cmd.Context()); err != nil {
					utils.Die("Failed to reset database", err, nil)
				}
			}
		}

		fmt.Println("✨ System Reset Complete.")
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetTables, "tables", false, "Drop all PostgreSQL tables (identities and sessions)")
	resetCmd.Flags().StringVar(&resetSession, "session", "", "Only reset the track ID high-water mark of this source")
	rootCmd.AddCommand(resetCmd)
}

func confirm(r *bufio.Reader, prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}
