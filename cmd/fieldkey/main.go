package main

import "github.com/jmcleod/fieldkey/cmd/fieldkey/cmd"

func main() {
	cmd.Execute()
}
