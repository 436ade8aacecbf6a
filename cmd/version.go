// This file is part of backupd
//
// Copyright (C) 2020  BizFly Cloud
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>

package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/mod/semver"

	"github.com/bizflycloud/backupd/pkg/agentversion"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print current version.",
	Run: func(cmd *cobra.Command, args []string) {
		info := agentversion.Get()
		fmt.Println("Version: ", info.Version)
		fmt.Println("Git commit: ", info.Commit)
		fmt.Println("Build: ", info.BuildTime)
		fmt.Println("Go: ", info.GoVersion, info.Platform)

		ctx, cancel := requestContext()
		defer cancel()
		c := newClient()
		agent, err := c.Version(ctx)
		if err != nil {
			fmt.Println("Agent: unreachable")
			return
		}
		fmt.Println("Agent version: ", agent.Version)
		if msg := compareVersions(info.Version, agent.Version); msg != "" {
			fmt.Println(msg)
		}
	},
}

func canonicalVersion(v string) string {
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return semver.Canonical(v)
}

// compareVersions returns a warning when the CLI and agent versions differ.
// Unparsable versions, such as dev builds, are not compared.
func compareVersions(cli, agent string) string {
	c, a := canonicalVersion(cli), canonicalVersion(agent)
	if c == "" || a == "" {
		return ""
	}
	switch semver.Compare(c, a) {
	case 1:
		return fmt.Sprintf("Warning: agent %s is older than this CLI %s, restart the agent after upgrading.", agent, cli)
	case -1:
		return fmt.Sprintf("Warning: this CLI %s is older than agent %s.", cli, agent)
	}
	return ""
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
