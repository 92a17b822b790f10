// Command knowidx maintains a local knowledge index and answers ranked
// free-text searches over it.
package main

import "github.com/knowidx/knowidx/cmd/knowidx/cmd"

func main() {
	cmd.Execute()
}
