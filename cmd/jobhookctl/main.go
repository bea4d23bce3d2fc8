package main

import (
	"log"

	"github.com/austindbirch/jobhook/cmd/jobhookctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
