// The main package for the videre executable.
package main

import (
	"github.com/JakeFAU/videre-progress/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
