// The main package for the sitecorpus executable.
package main

import (
	"github.com/JakeFAU/sitecorpus/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
