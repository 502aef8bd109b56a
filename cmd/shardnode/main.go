package main

import "github.com/lab5e/ringfunk/pkg/shardnode"

func main() {
	shardnode.Run()
}
