package main

import (
	"log"

	"github.com/upscript/marketing-relay/cmd/relayctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
