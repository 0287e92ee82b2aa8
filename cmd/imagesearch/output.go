package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// Output helpers shared by every command. Human output goes to stdout,
// errors to stderr.
//
//	✓  success
//	✗  error
//	⚠  warning
//	~  neutral info

func printSection(title string) {
	fmt.Printf("\n=== %s ===\n", title)
}

func printOK(msg string, args ...any) {
	fmt.Printf("  ✓  "+msg+"\n", args...)
}

func printErr(msg string, args ...any) {
	fmt.Fprintf(os.Stderr, "  ✗  "+msg+"\n", args...)
}

func printWarn(msg string, args ...any) {
	fmt.Printf("  ⚠  "+msg+"\n", args...)
}

func printInfo(msg string, args ...any) {
	fmt.Printf("  ~  "+msg+"\n", args...)
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
