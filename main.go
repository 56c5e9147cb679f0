package main

import "github.com/frahmantamala/gameshop-ledger/cmd"

func main() {
	cmd.Execute()
}
