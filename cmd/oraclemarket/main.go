package main

import "oracle-market/internal/cli"

func main() {
	cli.Execute()
}
