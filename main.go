// The main package for the dsn-monitor executable.
package main

import (
	"github.com/JakeFAU/dsn-monitor/cmd"
)

func main() {
	cmd.Execute()
}
