// Package main is the entry point for the querystream gateway, the
// development reasoning backend and the terminal client.
package main

func main() {
	Execute()
}
