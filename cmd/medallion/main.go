package main

import "medallion-etl/internal/cli"

func main() {
	cli.Execute()
}
