package main

import (
	"github.com/sazanami-p2p/sazanami/cmd/sazanami/commands"
)

func main() {
	commands.Execute()
}
