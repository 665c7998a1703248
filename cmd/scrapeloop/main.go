// Command scrapeloop runs page loops and the reference coordinator.
//
// Usage:
//
//	scrapeloop run --config pageloop.yaml          # drive a page against a coordinator
//	scrapeloop coordinator --config coord.yaml     # serve /start, /scrape, /response
//	scrapeloop submit --body page.html --action '{"op":"click","selector":"#next"}'
package main

import (
	"fmt"
	"os"

	_ "modernc.org/sqlite"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
