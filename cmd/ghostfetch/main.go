// The main package for the ghostfetch executable.
package main

import "github.com/JakeFAU/ghostfetch/cmd"

func main() {
	cmd.Execute()
}
