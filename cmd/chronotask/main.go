// Package main provides the chronotask CLI.
//
// chronotask is a durable task scheduler that embeds in multi-instance
// applications: tasks persist in a shared SQLite realm, one elected
// leader fires them, and every instance can read and mutate.
//
// # Basic Usage
//
// Run the scheduler:
//
//	chronotask serve --config chronotask.yaml
//
// Manage tasks:
//
//	chronotask task list
//	chronotask task create --name backup --type backup --cron "0 3 * * *"
//	chronotask task run <id>
//
// Move tasks between realms:
//
//	chronotask export > tasks.json
//	chronotask import --mode merge tasks.json
package main

import (
	"fmt"
	"os"
)

func main() {
	root := buildRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
