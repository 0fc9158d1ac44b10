// Command harvester coordinates distributed profile crawling.
package main

import "github.com/JakeFAU/harvester/cmd"

func main() {
	cmd.Execute()
}
