package main

import "github.com/tidewatch/tidewatch/cmd"

func main() {
	cmd.Execute()
}
