// The main package for the nginx-cache-preloader executable.
package main

import (
	"github.com/JakeFAU/nginx-cache-preloader/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
