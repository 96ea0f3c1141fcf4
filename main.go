// The main package for the jobtracker executable.
package main

import (
	"github.com/a2bit/jobtracker/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
