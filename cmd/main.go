package main

import (
	"log"

	"github.com/Vasu1712/meetsync/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		log.Fatal(err)
	}
}
