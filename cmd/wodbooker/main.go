package main

import "github.com/example/wodbooker/cmd"

func main() {
	cmd.Execute()
}
