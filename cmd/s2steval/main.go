package main

import "github.com/forPelevin/s2steval/internal/cli"

func main() {
	cli.Main()
}
