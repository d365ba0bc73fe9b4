package main

import "peg-metrics/internal/cli"

func main() {
	cli.Execute()
}
