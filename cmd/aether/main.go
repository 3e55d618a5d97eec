package main

import (
	"github.com/galdor/go-service/pkg/service"
)

func main() {
	service.Run("aether", "a distributed versioned configuration store",
		NewService())
}
