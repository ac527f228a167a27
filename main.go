package main

import "github.com/pliu/chainchat/internal/cli"

func main() {
	cli.Execute()
}
