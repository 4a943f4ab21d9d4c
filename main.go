package main

import "github.com/klumzie/MasterStack/cmd"

func main() {
	cmd.Execute()
}
