package main

import (
	"github.com/insight-collector/cmd/agent"
)

func main() {
	agent.Execute()
}
