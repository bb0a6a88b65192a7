// The main package for the newscrawler executable.
package main

import (
	"github.com/JakeFAU/newscrawler/cmd"
)

func main() {
	cmd.Execute()
}
