// Command guardbot runs the group moderation and scheduling bot.
package main

import "os"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
