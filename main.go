package main

import "github.com/crystaldolphin/pingbridge/cmd"

func main() {
	cmd.Execute()
}
