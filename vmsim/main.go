// Command vmsim runs synthetic threads on a demand-paged virtual memory
// manager and reports how it behaved.
package main

import "github.com/sarchlab/akitavm/vmsim/cmd"

func main() {
	cmd.Execute()
}
