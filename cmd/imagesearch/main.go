// Command imagesearch indexes image directories and searches them by text,
// from the command line or as an MCP server.
package main

func main() {
	Execute()
}
