package main

import (
	"log"
	"os"

	"github.com/agentlink/servicedesk/pkg/cli"
)

func main() {
	app := cli.NewApp()
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
