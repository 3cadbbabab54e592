// Command apimapper maps the surface of an undocumented JSON API.
package main

import "github.com/JakeFAU/apimapper/cmd"

func main() {
	cmd.Execute()
}
