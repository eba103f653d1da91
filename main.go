package main

import (
	"context"
	"log"
	"os"

	"syncpad/cmd"
)

func main() {
	runCmd := cmd.ServerCli()

	if err := runCmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}
