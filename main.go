// The main package for the followlytics executable.
package main

import (
	"github.com/followlytics/followlytics/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
