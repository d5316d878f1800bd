package main

import "github.com/encodeous/qaodv/cmd"

func main() {
	cmd.Execute()
}
