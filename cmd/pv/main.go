package main

import (
	"log"
	"promptvault/cmd/pv/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		log.Fatal(err)
	}
}
