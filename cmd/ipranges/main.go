package main

import (
	"ipranges/internal/app"

	"github.com/charmbracelet/log"
)

func main() {
	if err := app.Run(); err != nil {
		log.Fatal("ipranges failed", "error", err)
	}
}
