// The main package for the kursfetch executable.
package main

import (
	"github.com/kursfetch/kursfetch/cmd"
)

func main() {
	cmd.Execute()
}
