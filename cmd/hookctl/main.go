package main

import (
	"log"

	"github.com/clarusmed/webhookd/cmd/hookctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
