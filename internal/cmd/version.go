package cmd

import (
	"encoding/json"
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var versionShort bool

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	Go        string `json:"go"`
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		info := versionInfo{Version: resolvedVersion(), Commit: Commit, BuildDate: BuildDate, Go: runtime.Version()}
		if versionShort {
			_, err := fmt.Fprintln(out, info.Version)
			return err
		}
		if viper.GetString("log_format") == "json" {
			return json.NewEncoder(out).Encode(info)
		}
		fmt.Fprintf(out, "PrivyPress %s\n", info.Version)
		fmt.Fprintf(out, "Commit: %s\n", info.Commit)
		fmt.Fprintf(out, "Built:  %s\n", info.BuildDate)
		fmt.Fprintf(out, "Go:     %s\n", info.Go)
		return nil
	},
}

func init() {
	versionCmd.Flags().BoolVar(&versionShort, "short", false, "print only the version")
	rootCmd.AddCommand(versionCmd)
}
