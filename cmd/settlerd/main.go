package main

import (
	"log"

	settlerd "raftex/services/settlerd"
)

func main() {
	if err := settlerd.Main(); err != nil {
		log.Fatalf("settlerd: %v", err)
	}
}
