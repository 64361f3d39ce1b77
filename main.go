package main

import "github.com/nextlevelbuilder/goloop/cmd"

func main() {
	cmd.Execute()
}
