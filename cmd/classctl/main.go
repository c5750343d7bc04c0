// Command classctl is an operator CLI for the classes API.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd(os.LookupEnv).Execute(); err != nil {
		os.Exit(1)
	}
}
