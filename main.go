package main

import "github.com/assetscope/assetscope/cmd"

func main() {
	cmd.Execute()
}
