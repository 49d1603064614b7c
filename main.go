package main

import (
	"github.com/yuu2811/EDINET-sub000/internal/cli"
)

func main() {
	cli.Execute()
}
