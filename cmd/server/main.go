package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "tus-placer",
	Short: "Places finished tus uploads under their final names",
	Long: `tus-placer receives tusd hook events, assembles multipart uploads
and moves finished files from the staging directory into the mount directory.`,
	RunE: runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath(), "Path to the XML or YAML configuration file")
}

// defaultConfigPath places the config next to the executable.
func defaultConfigPath() string {
	exePath, err := os.Executable()
	if err != nil {
		return "tus-placer.config"
	}
	return filepath.Join(filepath.Dir(exePath), "tus-placer.config")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
