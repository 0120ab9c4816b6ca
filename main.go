package main

import "github.com/hlogdb/hlogdb/cmd"

func main() {
	cmd.Execute()
}
