// The main package for the sourcewatch executable.
package main

import (
	"github.com/JakeFAU/sourcewatch/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
