package main

import (
	"log"
	"os"

	"loom/cmd/internal/app"
)

func main() {
	var err error
	if len(os.Args) > 1 && os.Args[1] == "token" {
		err = app.RunToken(os.Args[2:], os.Stdout)
	} else {
		err = app.Run()
	}
	if err != nil {
		log.Fatal(err)
	}
}
