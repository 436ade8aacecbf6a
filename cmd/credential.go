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
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var credentialCmd = &cobra.Command{
	Use:   "credential",
	Short: "Manage the elevation credential of the agent session.",
	Run: func(cmd *cobra.Command, args []string) {
		if err := cmd.Help(); err != nil {
			logger.Error(err.Error())
		}
	},
}

var checkCredentialCmd = &cobra.Command{
	Use:   "check",
	Short: "Report whether the agent holds a credential.",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := requestContext()
		defer cancel()
		ok, err := newClient().HasCredential(ctx)
		exitOnError(err)
		if ok {
			fmt.Println("The agent holds a credential.")
			return
		}
		fmt.Println("No credential stored.")
	},
}

var storeCredentialCmd = &cobra.Command{
	Use:   "store",
	Short: "Read the sudo password from stdin and hand it to the agent.",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprint(os.Stderr, "Password: ")
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			exitOnError(err)
		}
		password := strings.TrimRight(line, "\r\n")
		ctx, cancel := requestContext()
		defer cancel()
		exitOnError(newClient().StoreCredential(ctx, password))
		fmt.Println("Credential stored.")
	},
}

func init() {
	credentialCmd.AddCommand(checkCredentialCmd)
	credentialCmd.AddCommand(storeCredentialCmd)
	rootCmd.AddCommand(credentialCmd)
}
