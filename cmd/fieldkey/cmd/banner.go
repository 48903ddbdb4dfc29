package cmd

import (
	"fmt"
	"io"

	"github.com/fatih/color"
)

const banner = `
   __ _      _     _ _              
  / _(_) ___| | __| | | _____ _   _ 
 | |_| |/ _ \ |/ _` + "`" + ` | |/ / _ \ | | |
 |  _| |  __/ | (_| |   <  __/ |_| |
 |_| |_|\___|_|\__,_|_|\_\___|\__, |
                              |___/ 
`

func printBanner(w io.Writer) {
	fmt.Fprint(w, color.BlueString(banner))
	fmt.Fprintln(w, green.Sprintf("  Field Encryption Key Service - Version %s", Version))
	fmt.Fprintln(w)
}
