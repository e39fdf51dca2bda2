package main

import "github.com/ryu-qqq/crawlinghub/cmd"

func main() {
	cmd.Execute()
}
