package cmd

import (
	"fmt"
	"io"
)

const banner = `
  ___                _           _ _ 
 |_ _|_ __ ___  _ __ | |__   __ _| | |
  | || '__/ _ \| '_ \| '_ \ / _` + "`" + ` | | |
  | || | | (_) | | | | | | | (_| | | |
 |___|_|  \___/|_| |_|_| |_|\__,_|_|_|
                                      
`

func printBanner(w io.Writer, serverName string) {
	fmt.Fprintf(w, "\x1b[34m%s\x1b[0m", banner)
	fmt.Fprintf(w, "\x1b[32m  Matrix account server for %s - Version %s\x1b[0m\n\n", serverName, Version)
}
