package main

import "github.com/khanhnv2901/arachne-lens/cmd"

var execCmd = cmd.Execute

func main() {
	execCmd()
}
