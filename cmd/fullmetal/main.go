// Package main is the entry point for the fullmetal CLI application.
package main

import (
	"os"

	"github.com/inercia/fullmetal/internal/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
