// chainstate maintains a local chain-state graph: it imports headers and
// bodies, follows the heaviest valid chain, and answers queries about it.
//
// Usage:
//
//	chainstate gen --out items.json       Build a devnet import file
//	chainstate import items.json          Feed headers and bodies
//	chainstate status                     Show cursor and horizons
//	chainstate --help                     Show help
package main

func main() {
	Execute()
}
