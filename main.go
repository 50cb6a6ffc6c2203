package main

import "github.com/querywatch/querywatch/cmd"

func main() {
	cmd.Execute()
}
