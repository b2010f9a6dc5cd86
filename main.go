package main

import "github.com/kacper-marzecki/tibidi/cmd"

func main() {
	cmd.Execute()
}
