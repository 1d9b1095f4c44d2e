package main

import "github.com/vietddude/blockindexer/internal/cli"

func main() {
	cli.Execute()
}
