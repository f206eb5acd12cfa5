package main

import (
	"os"

	"github.com/ig-rudenko/axo-vpn-bot/cmd/fleetd/cmd"
	_ "github.com/mattn/go-sqlite3"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
