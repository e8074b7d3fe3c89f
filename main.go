package main

import "github.com/GauCandy/Botchatlocal/cmd"

func main() {
	cmd.Execute()
}
