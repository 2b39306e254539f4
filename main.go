package main

import (
	"log"

	"github.com/tylergannon/click-debounce/internal"
)

func main() {
	if err := internal.Run(); err != nil {
		log.Fatalf("click-debounce: %v", err)
	}
}
