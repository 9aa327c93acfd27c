package main

import "github.com/rattlesnake/gateway/cmd"

func main() {
	cmd.Execute()
}
