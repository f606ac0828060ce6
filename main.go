// The main package for the handleprobe executable.
package main

import (
	"github.com/JakeFAU/handleprobe/cmd"
)

// main defers all execution to the Cobra CLI library.
func main() {
	cmd.Execute()
}
