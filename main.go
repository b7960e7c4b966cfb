// The main package for the wiki-circuit executable.
package main

import (
	"github.com/JakeFAU/wiki-circuit/cmd"
)

func main() {
	cmd.Execute()
}
