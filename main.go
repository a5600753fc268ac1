// The main package for the cartescolaire executable.
package main

import (
	"github.com/JakeFAU/cartescolaire/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
