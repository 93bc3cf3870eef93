package main

import "github.com/andresmejia3/posepipe/cmd"

func main() {
	cmd.Execute()
}
