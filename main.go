// The main package for the ratings-crawler executable.
package main

import (
	"github.com/JakeFAU/ratings-crawler/cmd"
)

func main() {
	cmd.Execute()
}
