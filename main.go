package main

import "github.com/marrow-labs/homegate/cmd"

func main() {
	cmd.Execute()
}
