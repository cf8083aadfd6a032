package cli

import (
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "preheat",
	Short: "Adaptive readahead daemon",
	Long: "Preheat watches which programs run, learns which tend to follow " +
		"which, and warms the files of likely-next programs into the page cache.",
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"path to a config file merged over the system and user configs")
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(daemonCmd)
}
