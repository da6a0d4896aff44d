package main

import (
	"github.com/cascached/cascached/cmd/cascached/cmd"
)

func main() {
	cmd.Execute()
}
