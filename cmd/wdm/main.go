// Command wdm reconciles a WIT dependency manifest, lock file, and
// on-disk deps tree. See cmd/almd/main.go in the teacher repo for the
// dispatch shape this generalizes.
package main

import (
	"log"
	"os"

	"github.com/wit-deps/wdm/internal/cliapp"
)

func main() {
	app := cliapp.New()
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
