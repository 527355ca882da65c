// nixl-test is the test driver for the data-movement engines: it runs
// write/read/verify flows against the object engine and in-process
// transfer scenarios on the network engine. Exit code 0 on success, 1 on
// any failure.
package main

import "github.com/piwi3910/nixl/cmd/nixl-test/commands"

func main() {
	commands.Execute()
}
