package main

import "github.com/mycosoft/mycobrain-server/cli"

func main() {
	cli.Run()
}
