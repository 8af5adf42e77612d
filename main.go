package main

import "github.com/nextlevelbuilder/tiller/cmd"

func main() {
	cmd.Execute()
}
