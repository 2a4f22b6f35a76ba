/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/friendsincode/grimnir_listen/internal/version"
)

var checkUpdates bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println(version.String())
		if !checkUpdates {
			return nil
		}

		info, err := version.NewChecker(nil).Check(cmd.Context())
		if err != nil {
			return fmt.Errorf("check for updates: %w", err)
		}
		if info.UpdateAvailable {
			fmt.Printf("update available: %s (%s)\n", info.LatestVersion, info.ReleaseURL)
			if info.ReleaseNotes != "" {
				fmt.Printf("  %s\n", info.ReleaseNotes)
			}
		} else {
			fmt.Printf("up to date as of %s\n", info.CheckedAt.Format(time.RFC3339))
		}
		return nil
	},
}

func init() {
	versionCmd.Flags().BoolVar(&checkUpdates, "check", false, "Ask GitHub for a newer release")
	rootCmd.AddCommand(versionCmd)
}
