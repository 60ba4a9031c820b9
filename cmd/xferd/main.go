// Command xferd moves files to and from SFTP, SCP, FTP and local
// endpoints, keeping a resumable record of every transfer.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
