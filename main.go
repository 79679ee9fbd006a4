package main

import "github.com/edgeflare/pgrelay/cmd/pgrelay"

func main() {
	pgrelay.Main()
}
